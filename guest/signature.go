package guest

import (
	"fmt"
	"strings"
)

// TypeKind is the category of a descriptor element.
type TypeKind byte

const (
	TypeVoid    TypeKind = 'V'
	TypeBoolean TypeKind = 'Z'
	TypeByte    TypeKind = 'B'
	TypeChar    TypeKind = 'C'
	TypeShort   TypeKind = 'S'
	TypeInt     TypeKind = 'I'
	TypeLong    TypeKind = 'J'
	TypeFloat   TypeKind = 'F'
	TypeDouble  TypeKind = 'D'
	TypeObject  TypeKind = 'L'
	TypeArray   TypeKind = '['
)

// TypeDesc is one parsed element of a method descriptor.
type TypeDesc struct {
	Kind TypeKind
	// Class is the slash-separated class name for TypeObject.
	Class string
	// Elem is the element type for TypeArray.
	Elem *TypeDesc
}

// IsByteArray reports whether t is "[B".
func (t TypeDesc) IsByteArray() bool {
	return t.Kind == TypeArray && t.Elem != nil && t.Elem.Kind == TypeByte
}

// IsString reports whether t is the guest string class.
func (t TypeDesc) IsString() bool {
	return t.Kind == TypeObject && t.Class == StringClass
}

func (t TypeDesc) String() string {
	switch t.Kind {
	case TypeObject:
		return "L" + t.Class + ";"
	case TypeArray:
		return "[" + t.Elem.String()
	default:
		return string(t.Kind)
	}
}

// Signature is a parsed method descriptor such as "(J[B)I".
type Signature struct {
	Params []TypeDesc
	Return TypeDesc
}

func (s Signature) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for _, p := range s.Params {
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	b.WriteString(s.Return.String())
	return b.String()
}

// ParseSignature parses a method descriptor.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) < 3 || sig[0] != '(' {
		return Signature{}, fmt.Errorf("descriptor %q: missing parameter list", sig)
	}

	var out Signature
	i := 1
	for i < len(sig) && sig[i] != ')' {
		t, n, err := parseType(sig[i:], false)
		if err != nil {
			return Signature{}, fmt.Errorf("descriptor %q: %w", sig, err)
		}
		out.Params = append(out.Params, t)
		i += n
	}
	if i >= len(sig) {
		return Signature{}, fmt.Errorf("descriptor %q: unterminated parameter list", sig)
	}
	i++

	ret, n, err := parseType(sig[i:], true)
	if err != nil {
		return Signature{}, fmt.Errorf("descriptor %q: return: %w", sig, err)
	}
	if i+n != len(sig) {
		return Signature{}, fmt.Errorf("descriptor %q: trailing characters", sig)
	}
	out.Return = ret
	return out, nil
}

func parseType(s string, allowVoid bool) (TypeDesc, int, error) {
	if s == "" {
		return TypeDesc{}, 0, fmt.Errorf("unexpected end")
	}
	switch k := TypeKind(s[0]); k {
	case TypeVoid:
		if !allowVoid {
			return TypeDesc{}, 0, fmt.Errorf("void parameter")
		}
		return TypeDesc{Kind: k}, 1, nil
	case TypeBoolean, TypeByte, TypeChar, TypeShort, TypeInt, TypeLong, TypeFloat, TypeDouble:
		return TypeDesc{Kind: k}, 1, nil
	case TypeObject:
		end := strings.IndexByte(s, ';')
		if end < 2 {
			return TypeDesc{}, 0, fmt.Errorf("bad class reference %q", s)
		}
		return TypeDesc{Kind: k, Class: s[1:end]}, end + 1, nil
	case TypeArray:
		elem, n, err := parseType(s[1:], false)
		if err != nil {
			return TypeDesc{}, 0, err
		}
		return TypeDesc{Kind: k, Elem: &elem}, n + 1, nil
	default:
		return TypeDesc{}, 0, fmt.Errorf("unknown type %q", s[0])
	}
}
