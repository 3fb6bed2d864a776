package changefeed

import (
	"fmt"
	"slices"
)

const (
	// PermissiveValidation reports vocabulary errors to the subscriber but
	// proceeds with the subscription.
	PermissiveValidation ValidationMode = "permissive"
	// StrictValidation ends the connection upon a vocabulary error.
	StrictValidation ValidationMode = "strict"
)

// Vocabulary maps each valid resource to its valid sub-resources.
var Vocabulary = map[string][]string{
	VMResource: {
		"alias",
		"customer_metadata",
		"destroyed",
		"nics",
		"owner_uuid",
		"server_uuid",
		"state",
		"tags",
	},
	NICResource: {
		"create",
		"delete",
		"allow_dhcp_spoofing",
		"allow_ip_spoofing",
		"allow_mac_spoofing",
		"primary",
		"state",
	},
	NetworkResource: {
		"create",
		"delete",
		"gateway",
		"resolvers",
		"routes",
	},
}

type (
	// ValidationMode determines what happens when a subscription request
	// falls outside the vocabulary.
	ValidationMode string

	// ValidationError describes a subscription request that falls outside
	// the vocabulary. SubResource is empty if the resource itself is
	// invalid.
	ValidationError struct {
		Resource    string
		SubResource string
	}
)

func (e *ValidationError) Error() string {
	if e.SubResource == "" {
		return e.Resource + " is not a valid changefeed resource"
	}
	return e.SubResource + " is not a valid changefeed subResource for the " + e.Resource + " resource"
}

// ParseValidationMode parses a validation mode from a string.
func ParseValidationMode(s string) (ValidationMode, error) {
	switch mode := ValidationMode(s); mode {
	case PermissiveValidation, StrictValidation:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown validation mode: %q", s)
	}
}

// Validate checks the kind against the vocabulary, returning a
// *ValidationError describing the first violation found.
func Validate(kind ChangeKind) error {
	valid, ok := Vocabulary[kind.Resource]
	if !ok {
		return &ValidationError{Resource: kind.Resource}
	}
	for _, sr := range kind.SubResources {
		if !slices.Contains(valid, sr) {
			return &ValidationError{Resource: kind.Resource, SubResource: sr}
		}
	}
	return nil
}
