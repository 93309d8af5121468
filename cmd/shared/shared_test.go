package shared

import "testing"

func TestFlags_UniqueNames(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	flags := append(GetCommonFlags(), GetServeFlags()...)
	for _, f := range flags {
		for _, name := range f.Names() {
			if seen[name] {
				t.Errorf("flag name %q used twice", name)
			}
			seen[name] = true
		}
	}

	for _, want := range []string{ConfigFlag, VerboseFlag, MaxConnectionsFlag, EchoFlag, MetricsFlag, HeartbeatFlag} {
		if !seen[want] {
			t.Errorf("flag %q missing", want)
		}
	}
}

func TestGetArgsUsage(t *testing.T) {
	t.Parallel()

	if GetArgsUsage() == "" || GetBaseDescription() == "" {
		t.Error("usage and description must not be empty")
	}
}
