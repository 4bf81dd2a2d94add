package validate

import (
	"errors"
	"testing"
)

func TestKeyLength(t *testing.T) {
	valid := []int{3072, 4096, 6144, 7680, 8192}
	for _, v := range valid {
		if err := KeyLength(v); err != nil {
			t.Errorf("KeyLength(%d) = %v, want nil", v, err)
		}
	}

	invalid := []int{3071, 3000, 8193, 8200, -8, 0, 3073}
	for _, v := range invalid {
		err := KeyLength(v)
		var target *InvalidKeyLength
		if !errors.As(err, &target) {
			t.Errorf("KeyLength(%d) = %v, want *InvalidKeyLength", v, err)
		}
	}
}

func TestNiceValue(t *testing.T) {
	for v := -20; v <= 19; v++ {
		if err := NiceValue(v); err != nil {
			t.Errorf("NiceValue(%d) = %v, want nil", v, err)
		}
	}
	for _, v := range []int{-21, 20, -100, 100} {
		err := NiceValue(v)
		var target *InvalidNiceValue
		if !errors.As(err, &target) {
			t.Errorf("NiceValue(%d) = %v, want *InvalidNiceValue", v, err)
		}
	}
}

func TestArgument(t *testing.T) {
	valid := []string{"ssh-keygen", "-M", "generate", "-O", "bits=3072", "/tmp/candidates_3072_20240101000000000000"}
	for _, v := range valid {
		if err := Argument(v); err != nil {
			t.Errorf("Argument(%q) = %v, want nil", v, err)
		}
	}

	invalid := []string{"rm -rf /", "a;b", "$(whoami)", "a|b", "a\nb", "a'b", `a"b`}
	for _, v := range invalid {
		err := Argument(v)
		var target *InvalidArgument
		if !errors.As(err, &target) {
			t.Errorf("Argument(%q) = %v, want *InvalidArgument", v, err)
		}
	}
}

func TestIdentifier(t *testing.T) {
	for _, v := range []string{"moduli", "moduli_view", "_private", "Moduli2"} {
		if err := Identifier(v); err != nil {
			t.Errorf("Identifier(%q) = %v, want nil", v, err)
		}
	}
	for _, v := range []string{"moduli;drop table", "1moduli", "moduli-view", ""} {
		if err := Identifier(v); err == nil {
			t.Errorf("Identifier(%q) = nil, want error", v)
		}
	}
}
