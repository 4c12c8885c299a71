package domain

import "fmt"

// AttackType is the closed set of MEV incident classifications. Dispatch on
// it must stay exhaustive; a new variant means new settlement rules, not a
// silently accepted string.
type AttackType string

const (
	AttackFrontrun       AttackType = "frontrun"
	AttackSandwich       AttackType = "sandwich"
	AttackTimebandit     AttackType = "timebandit"
	AttackExtractionLoop AttackType = "extraction_loop"
)

// AttackTypes lists every valid variant in declaration order.
func AttackTypes() []AttackType {
	return []AttackType{AttackFrontrun, AttackSandwich, AttackTimebandit, AttackExtractionLoop}
}

// ParseAttackType validates an untrusted attack type string.
func ParseAttackType(s string) (AttackType, error) {
	switch AttackType(s) {
	case AttackFrontrun, AttackSandwich, AttackTimebandit, AttackExtractionLoop:
		return AttackType(s), nil
	}
	return "", fmt.Errorf("unknown attack type %q", s)
}
