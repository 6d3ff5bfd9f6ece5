package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewStepID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr string
	}{
		{name: "planner id", value: "E1"},
		{name: "snake case", value: "scan_ports"},
		{name: "kebab case", value: "fetch-2"},
		{name: "empty", value: "", wantErr: "cannot be empty"},
		{name: "leading digit", value: "1E", wantErr: "must start with a letter"},
		{name: "reference marker", value: "#E1", wantErr: "must start with a letter"},
		{name: "dot", value: "E1.field", wantErr: "must start with a letter"},
		{name: "too long", value: "a" + strings.Repeat("b", 64), wantErr: "exceeds maximum length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewStepID(tt.value)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, id.String())
		})
	}
}

func TestStepID_GeneratedIDsValidate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.StringMatching(`[A-Za-z][A-Za-z0-9_-]{0,30}`).Draw(t, "id")
		if err := StepID(v).Validate(); err != nil {
			t.Fatalf("generated id %q should validate: %v", v, err)
		}
	})
}

func TestSeverityOrderingAndParsing(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))

	sev, err := ParseSeverity("HIGH")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)

	var s Severity
	require.NoError(t, s.UnmarshalText([]byte("critical")))
	b, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(b))
}

func TestSeverity_RoundTripsThroughName(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sev := rapid.SampledFrom([]Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}).Draw(t, "sev")
		parsed, err := ParseSeverity(sev.String())
		if err != nil || parsed != sev {
			t.Fatalf("severity %v did not survive parsing: %v %v", sev, parsed, err)
		}
	})
}

func TestRiskLevelValidate(t *testing.T) {
	assert.NoError(t, RiskLevel("").Validate())
	assert.NoError(t, RiskHigh.Validate())
	assert.Error(t, RiskLevel("extreme").Validate())
}
