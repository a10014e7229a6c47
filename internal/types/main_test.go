package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eniac111/proxyops/internal/types"
)

func TestValidateRuleName(t *testing.T) {
	for _, name := range []string{"a.example.com", "localhost", "*.example.com", "x-1.example.org"} {
		assert.NoError(t, types.ValidateRuleName(name), name)
	}
	for _, name := range []string{
		"",
		"a'b|c",
		"../../etc/passwd",
		"a/b.example.com",
		"a b.example.com",
		"-lead.example.com",
		"a..example.com",
		"x.*.example.com",
		"$(reboot).example.com",
	} {
		assert.ErrorIs(t, types.ValidateRuleName(name), types.ErrInvalidArgument, name)
	}
}

func TestLineageFallsBackToName(t *testing.T) {
	r := types.RoutingRule{Name: "b.example.com"}
	assert.Equal(t, "b.example.com", r.Lineage())
	r.CertName = "a.example.com"
	assert.Equal(t, "a.example.com", r.Lineage())

	cert, key := types.Target{TLSDir: "/srv/tls/"}.CertificatePaths(r.Lineage())
	assert.Equal(t, "/srv/tls/live/a.example.com/fullchain.pem", cert)
	assert.Equal(t, "/srv/tls/live/a.example.com/privkey.pem", key)
}
