package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "fedora-41", want: "fedora-41"},
		{in: "rhel-9/firefox@cockpit-project/podman/main", want: "rhel-9-firefox-cockpit-project-podman-main"},
		{in: "Image:Quay.io/Tasks", want: "image-quay.io-tasks"},
		{in: "//weird__name//", want: "weird__name"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeName(tt.in))
		})
	}

	long := SafeName(strings.Repeat("a", 500))
	assert.Len(t, long, maxNameLength)
}

func TestRepoDirName(t *testing.T) {
	assert.Equal(t, "cockpit-project-cockpit", RepoDirName("cockpit-project/cockpit"))
}
