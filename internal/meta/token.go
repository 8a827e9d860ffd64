package meta

import "fmt"

// RawToken is a metadata token as it appears in a method body: the high byte
// selects the metadata table, the low three bytes are the row index (RID).
// Table numbering follows the ECMA-335 convention so that fixture tokens read
// the same as tokens in real metadata dumps.
type RawToken uint32

// TokenKind is the table selector portion of a raw token.
type TokenKind uint32

const (
	TokenNil        TokenKind = 0x00000000
	TokenTypeRef    TokenKind = 0x01000000
	TokenTypeDef    TokenKind = 0x02000000
	TokenFieldDef   TokenKind = 0x04000000
	TokenMethodDef  TokenKind = 0x06000000
	TokenMemberRef  TokenKind = 0x0A000000
	TokenSignature  TokenKind = 0x11000000
	TokenTypeSpec   TokenKind = 0x1B000000
	TokenMethodSpec TokenKind = 0x2B000000

	// TokenString indexes the user-string heap; ldstr is its only carrier.
	TokenString TokenKind = 0x70000000

	// TokenIBCBlob indexes the blob pool of a profile stream instead of a
	// physical metadata table. Only the profile parser issues lookups for it.
	TokenIBCBlob TokenKind = 0x99000000
)

// Kind extracts the table selector.
func (t RawToken) Kind() TokenKind { return TokenKind(t) & 0xFF000000 }

// RID extracts the row index.
func (t RawToken) RID() uint32 { return uint32(t) & 0x00FFFFFF }

// IsNil reports whether the token has a zero row index.
func (t RawToken) IsNil() bool { return t.RID() == 0 }

func (t RawToken) String() string { return fmt.Sprintf("%08x", uint32(t)) }

func (k TokenKind) String() string {
	switch k {
	case TokenNil:
		return "nil"
	case TokenTypeRef:
		return "typeref"
	case TokenTypeDef:
		return "typedef"
	case TokenFieldDef:
		return "fielddef"
	case TokenMethodDef:
		return "methoddef"
	case TokenMemberRef:
		return "memberref"
	case TokenSignature:
		return "signature"
	case TokenTypeSpec:
		return "typespec"
	case TokenMethodSpec:
		return "methodspec"
	case TokenString:
		return "string"
	case TokenIBCBlob:
		return "ibcblob"
	default:
		return fmt.Sprintf("TokenKind(%#08x)", uint32(k))
	}
}

// MakeToken assembles a raw token from a table selector and row index.
func MakeToken(kind TokenKind, rid uint32) RawToken {
	return RawToken(uint32(kind) | rid&0x00FFFFFF)
}
