package safety

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateOutbound_AcceptsPlainMessage(t *testing.T) {
	v := NewValidator(DefaultPolicy())
	require.NoError(t, v.ValidateOutbound("What are your opening hours?"))
}

func TestValidateOutbound_RejectsScriptInjection(t *testing.T) {
	v := NewValidator(DefaultPolicy())

	for _, raw := range []string{
		`<script>alert(1)</script>`,
		`< SCRIPT src="https://evil.example/x.js">`,
		`<img onerror=alert(1) src=x>`,
		`<a href="javascript:alert(1)">click</a>`,
		`click data:text/html;base64,AAAA`,
		`<div style="width:expression(alert(1))">`,
		`eval(document.cookie)`,
	} {
		err := v.ValidateOutbound(raw)
		require.Error(t, err, "expected rejection for %q", raw)
		rej, ok := AsRejection(err)
		require.True(t, ok)
		require.NotEmpty(t, rej.Reason)
	}
}

func TestValidateOutbound_RejectsOversizedMessage(t *testing.T) {
	v := NewValidator(DefaultPolicy())
	err := v.ValidateOutbound(strings.Repeat("word ", 500))
	require.Error(t, err)
}

func TestValidateOutbound_RejectsRepeatedCharacters(t *testing.T) {
	v := NewValidator(DefaultPolicy())
	require.Error(t, v.ValidateOutbound("hello "+strings.Repeat("a", 10)))
	require.NoError(t, v.ValidateOutbound("hello "+strings.Repeat("a", 9)))
}

func TestValidateOutbound_ProfanityIsThresholdBased(t *testing.T) {
	v := NewValidator(DefaultPolicy())
	require.NoError(t, v.ValidateOutbound("this shit printer is broken"))
	require.Error(t, v.ValidateOutbound("shit shit shit, what a day"))
}

func TestValidateOutbound_BlocksLinksWhenConfigured(t *testing.T) {
	p := DefaultPolicy()
	p.BlockLinks = true
	v := NewValidator(p)
	require.Error(t, v.ValidateOutbound("see https://example.com/docs"))
	require.Error(t, v.ValidateOutbound("see www.example.com"))
	require.NoError(t, v.ValidateOutbound("see the docs page"))

	require.NoError(t, NewValidator(DefaultPolicy()).ValidateOutbound("see https://example.com/docs"))
}

func TestValidateOutbound_RejectsEmpty(t *testing.T) {
	v := NewValidator(DefaultPolicy())
	require.Error(t, v.ValidateOutbound("   "))
}

func TestLongestRepeatRun(t *testing.T) {
	require.Equal(t, 0, longestRepeatRun(""))
	require.Equal(t, 1, longestRepeatRun("abc"))
	require.Equal(t, 4, longestRepeatRun("abaaaab"))
}
