package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"user-1", true},
		{"usr_01H9XYZ", true},
		{"platform", true},
		{"a", true},
		{"task.42", true},

		// Invalid cases
		{"-starts-with-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{"", false},
		{"x7y8z9a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9", false}, // too long
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidReferralCode(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"A1B2C3D4", true},
		{"XK3F", true},
		{"ABCDEF123456", true},

		// Invalid
		{"abc123", false}, // lowercase
		{"AB", false},     // too short
		{"ABCDEF1234567", false},
		{"A1B2-C3", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidReferralCode(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidReferralCode(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "John"),
		ValidID("userId", "user-1"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidID("userId", "not valid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
