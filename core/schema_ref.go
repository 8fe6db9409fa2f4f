package core

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const schemaRefPrefix = "ref://schemas/"

// Version is a semantic version triple.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// ParseVersion parses "major.minor.patch". Missing minor/patch components
// default to zero so "1" and "1.2" are accepted.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty version", ErrInvalidSchemaRef)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: version %q has too many components", ErrInvalidSchemaRef, s)
	}

	var nums [3]int

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: invalid version component %q", ErrInvalidSchemaRef, p)
		}

		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String returns the dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpInt(v.Minor, other.Minor)
	default:
		return cmpInt(v.Patch, other.Patch)
	}
}

// Compatible reports whether other can be consumed by a reader of v
// (same major version).
func (v Version) Compatible(other Version) bool { return v.Major == other.Major }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Digest is a content hash in "algorithm:value" form.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// ParseDigest parses "alg:value".
func ParseDigest(s string) (Digest, error) {
	alg, val, ok := strings.Cut(s, ":")
	if !ok || alg == "" || val == "" {
		return Digest{}, fmt.Errorf("%w: invalid digest %q", ErrInvalidSchemaRef, s)
	}

	return Digest{Algorithm: alg, Value: val}, nil
}

func (d Digest) String() string { return d.Algorithm + ":" + d.Value }

// SchemaRef identifies a versioned schema. Its canonical text form is
//
//	ref://schemas/<type>/<name>/<major.minor.patch>[?digest=alg:value]
//
// The zero value is the empty reference and marshals to "".
type SchemaRef struct {
	Type    string
	Name    string
	Version Version

	digest    Digest
	hasDigest bool
}

// NewSchemaRef builds a reference without digest.
func NewSchemaRef(typ, name string, v Version) SchemaRef {
	return SchemaRef{Type: typ, Name: name, Version: v}
}

// ParseSchemaRef parses the canonical text form.
func ParseSchemaRef(s string) (SchemaRef, error) {
	if !strings.HasPrefix(s, schemaRefPrefix) {
		return SchemaRef{}, fmt.Errorf("%w: %q must start with %s", ErrInvalidSchemaRef, s, schemaRefPrefix)
	}

	rest := strings.TrimPrefix(s, schemaRefPrefix)
	path, query, _ := strings.Cut(rest, "?")

	segs := strings.Split(path, "/")
	if len(segs) != 3 || segs[0] == "" || segs[1] == "" {
		return SchemaRef{}, fmt.Errorf("%w: %q must be type/name/version", ErrInvalidSchemaRef, s)
	}

	v, err := ParseVersion(segs[2])
	if err != nil {
		return SchemaRef{}, err
	}

	ref := SchemaRef{Type: segs[0], Name: segs[1], Version: v}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return SchemaRef{}, fmt.Errorf("%w: %v", ErrInvalidSchemaRef, err)
		}

		if raw := values.Get("digest"); raw != "" {
			d, err := ParseDigest(raw)
			if err != nil {
				return SchemaRef{}, err
			}

			ref = ref.WithDigest(d)
		}
	}

	return ref, nil
}

// MustParseSchemaRef is ParseSchemaRef for static references; it panics on error.
func MustParseSchemaRef(s string) SchemaRef {
	ref, err := ParseSchemaRef(s)
	if err != nil {
		panic(err)
	}

	return ref
}

// Digest returns the optional content digest.
func (r SchemaRef) Digest() (Digest, bool) { return r.digest, r.hasDigest }

// WithDigest returns a copy of r pinned to d.
func (r SchemaRef) WithDigest(d Digest) SchemaRef {
	r.digest = d
	r.hasDigest = true

	return r
}

// IsZero reports whether r is the empty reference.
func (r SchemaRef) IsZero() bool { return r.Type == "" && r.Name == "" }

// Key identifies the schema independent of its digest.
func (r SchemaRef) Key() string {
	return r.Type + "/" + r.Name + "/" + r.Version.String()
}

// String returns the canonical text form.
func (r SchemaRef) String() string {
	if r.IsZero() {
		return ""
	}

	s := schemaRefPrefix + r.Key()
	if r.hasDigest {
		s += "?digest=" + r.digest.String()
	}

	return s
}

// MarshalText implements encoding.TextMarshaler.
func (r SchemaRef) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *SchemaRef) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = SchemaRef{}
		return nil
	}

	ref, err := ParseSchemaRef(string(b))
	if err != nil {
		return err
	}

	*r = ref

	return nil
}
