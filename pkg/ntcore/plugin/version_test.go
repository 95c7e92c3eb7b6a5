package plugin

import "testing"

func TestCheckCompatibility(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{APIVersion, true},
		{"1.0.0", true},
		{"1.2", true},
		{"1.3.0", false}, // newer minor than the core
		{"2.0.0", false}, // different major
		{"0.9.0", false},
		{"not-a-version", false},
	}
	for _, c := range cases {
		err := CheckCompatibility(c.version)
		if c.ok && err != nil {
			t.Errorf("%s: expected compatible, got %v", c.version, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected rejection", c.version)
		}
	}
}
