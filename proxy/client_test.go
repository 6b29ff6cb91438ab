package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientSession_CanWrite(t *testing.T) {
	testCases := []struct {
		name     string
		claims   *CustomClaims
		table    string
		expected bool
	}{
		{
			name:     "auth disabled - always allowed",
			claims:   nil,
			table:    "claim",
			expected: true,
		},
		{
			name:     "exact match - allowed",
			claims:   &CustomClaims{Scopes: []string{"write:claim"}},
			table:    "claim",
			expected: true,
		},
		{
			name:     "exact match is case insensitive",
			claims:   &CustomClaims{Scopes: []string{"write:claim"}},
			table:    "Claim",
			expected: true,
		},
		{
			name:     "wrong table - denied",
			claims:   &CustomClaims{Scopes: []string{"write:claim"}},
			table:    "creditor",
			expected: false,
		},
		{
			name:     "read scope does not grant writes",
			claims:   &CustomClaims{Scopes: []string{"read:claim"}},
			table:    "claim",
			expected: false,
		},
		{
			name:     "global wildcard - allowed",
			claims:   &CustomClaims{Scopes: []string{"write:*"}},
			table:    "anything",
			expected: true,
		},
		{
			name:     "prefix wildcard - allowed",
			claims:   &CustomClaims{Scopes: []string{"write:case_*"}},
			table:    "case_info",
			expected: true,
		},
		{
			name:     "prefix wildcard - wrong prefix denied",
			claims:   &CustomClaims{Scopes: []string{"write:case_*"}},
			table:    "claim",
			expected: false,
		},
		{
			name:     "empty scopes - denied",
			claims:   &CustomClaims{Scopes: []string{}},
			table:    "claim",
			expected: false,
		},
		{
			name:     "malformed scope - denied",
			claims:   &CustomClaims{Scopes: []string{"writeclaim"}},
			table:    "claim",
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := &ClientSession{claims: tc.claims}
			assert.Equal(t, tc.expected, s.CanWrite(tc.table))
		})
	}
}
