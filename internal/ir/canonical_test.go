package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizePayload_SortsKeys(t *testing.T) {
	got, err := CanonicalizePayload([]byte(`{"b":1,"a":{"d":true,"c":null}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":true},"b":1}`, string(got))
}

func TestCanonicalizePayload_StripsWhitespace(t *testing.T) {
	got, err := CanonicalizePayload([]byte("{ \"sku\" : \"A-1\" ,\n \"qty\": [1, 2, 3] }"))
	require.NoError(t, err)
	assert.Equal(t, `{"qty":[1,2,3],"sku":"A-1"}`, string(got))
}

func TestCanonicalizePayload_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"integer", `{"n":42}`, `{"n":42}`},
		{"integral float", `{"n":42.0}`, `{"n":42}`},
		{"exponent integral", `{"n":1e3}`, `{"n":1000}`},
		{"fraction", `{"n":19.990}`, `{"n":19.99}`},
		{"negative", `{"n":-0.5}`, `{"n":-0.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizePayload([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizePayload_NoHTMLEscape(t *testing.T) {
	got, err := CanonicalizePayload([]byte(`{"note":"a<b>&c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"note":"a<b>&c"}`, string(got))
}

func TestCanonicalizePayload_NFC(t *testing.T) {
	// "e" + combining acute accent vs precomposed U+00E9
	decomposed, err := CanonicalizePayload([]byte("{\"name\":\"caf\x65\xcc\x81\"}"))
	require.NoError(t, err)
	composed, err := CanonicalizePayload([]byte("{\"name\":\"caf\xc3\xa9\"}"))
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))
}

func TestCanonicalizePayload_LineSeparatorsLiteral(t *testing.T) {
	got, err := CanonicalizePayload([]byte("{\"s\":\"a\u2028b\u2029c\"}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"s\":\"a\u2028b\u2029c\"}", string(got))
}

func TestCanonicalizePayload_EscapedBackslashKept(t *testing.T) {
	got, err := CanonicalizePayload([]byte(`{"s":"a\\u2028b"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a\\u2028b"}`, string(got))
}

func TestCanonicalizePayload_Invalid(t *testing.T) {
	_, err := CanonicalizePayload([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = CanonicalizePayload([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCompareUTF16_SurrogateOrdering(t *testing.T) {
	// U+FB01 sorts after U+1F600 in UTF-16 (0xFB01 > 0xD83D) but before it in UTF-8.
	emoji := "\U0001F600"
	ligature := "\uFB01"
	assert.Less(t, compareUTF16(emoji, ligature), 0)
	assert.Greater(t, compareUTF16(ligature, emoji), 0)
	assert.Equal(t, 0, compareUTF16("same", "same"))
	assert.Less(t, compareUTF16("ab", "abc"), 0)
}

func TestMarshalCanonical(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"z": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","z":1}`, string(got))
}
