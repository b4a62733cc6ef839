package format

import "testing"

func TestHumanNumber(t *testing.T) {
	cases := []struct {
		input    uint64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{26000000, "26.0M"},
		{206000000, "206M"},
		{1000000000, "1.00B"},
		{7241000000, "7.24B"},
		{1000000000000, "1.00T"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanNumber(tc.input); got != tc.expected {
				t.Errorf("HumanNumber(%d) = %s, want %s", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{1500, "1.5 KB"},
		{1000000, "1.0 MB"},
		{1250000000, "1.2 GB"},
		{2000000000000, "2.0 TB"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes(tc.input); got != tc.expected {
				t.Errorf("HumanBytes(%d) = %s, want %s", tc.input, got, tc.expected)
			}
		})
	}
}
