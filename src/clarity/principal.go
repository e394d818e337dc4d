package clarity

import (
	"fmt"
	"regexp"
	"strings"
)

var contractNameRegex = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9]|[-_])*$`)

// MaxContractNameLength is the longest contract name a principal may carry.
const MaxContractNameLength = 128

// Principal is a standard principal, or a contract principal when
// ContractName is set.
type Principal struct {
	Version      byte
	Hash160      [20]byte
	ContractName string
}

func (p Principal) Type() Type {
	if p.ContractName != "" {
		return TypeContractPrincipal
	}
	return TypeStandardPrincipal
}

// Address returns the c32 address of the principal without the contract name.
func (p Principal) Address() string {
	addr, err := EncodeAddress(p.Version, p.Hash160)
	if err != nil {
		return ""
	}
	return addr
}

func (p Principal) String() string {
	if p.ContractName == "" {
		return p.Address()
	}
	return p.Address() + "." + p.ContractName
}

// ParsePrincipal parses "ADDRESS" or "ADDRESS.contract-name".
func ParsePrincipal(s string) (Principal, error) {
	address, name, _ := strings.Cut(s, ".")

	version, hash, err := DecodeAddress(address)
	if err != nil {
		return Principal{}, err
	}

	if strings.Contains(s, ".") {
		if err := ValidateContractName(name); err != nil {
			return Principal{}, err
		}
	}
	return Principal{Version: version, Hash160: hash, ContractName: name}, nil
}

// ValidateContractName checks the Clarity contract name grammar.
func ValidateContractName(name string) error {
	if name == "" || len(name) > MaxContractNameLength || !contractNameRegex.MatchString(name) {
		return fmt.Errorf("clarity: invalid contract name %q", name)
	}
	return nil
}
