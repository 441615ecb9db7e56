package fieldset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name       string
		out        string
		want       FieldSet
		wantParsed bool
	}{
		{
			name:       "single object",
			out:        `{"numero": "123", "nombres": "Ana"}`,
			want:       FieldSet{"numero": "123", "nombres": "Ana"},
			wantParsed: true,
		},
		{
			name:       "progress lines before result",
			out:        "Iniciando EasyOCR...\nVariante gray: 12 detecciones\n{\"placa\": \"ABC123\"}\n",
			want:       FieldSet{"placa": "ABC123"},
			wantParsed: true,
		},
		{
			name:       "pretty printed trailing object",
			out:        "loading\n{\n  \"placa\": \"ABC123\",\n  \"modelo\": 2019\n}\n",
			want:       FieldSet{"placa": "ABC123", "modelo": "2019"},
			wantParsed: true,
		},
		{
			name:       "last object wins",
			out:        "{\"placa\": \"OLD111\"}\n{\"placa\": \"NEW222\"}",
			want:       FieldSet{"placa": "NEW222"},
			wantParsed: true,
		},
		{
			name:       "trailing chatter after object",
			out:        "{\"placa\": \"ABC123\"}\ndone",
			want:       FieldSet{"placa": "ABC123"},
			wantParsed: true,
		},
		{
			name:       "plain text falls back",
			out:        "  REPUBLICA DE COLOMBIA\nLICENCIA DE TRANSITO  ",
			want:       FieldSet{"texto": "REPUBLICA DE COLOMBIA\nLICENCIA DE TRANSITO"},
			wantParsed: false,
		},
		{
			name:       "truncated json falls back",
			out:        `{"placa": "ABC`,
			want:       FieldSet{"texto": `{"placa": "ABC`},
			wantParsed: false,
		},
		{
			name:       "json array is not a field set",
			out:        `["a", "b"]`,
			want:       FieldSet{"texto": `["a", "b"]`},
			wantParsed: false,
		},
		{
			name:       "empty output",
			out:        "\n\n",
			want:       FieldSet{"texto": ""},
			wantParsed: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, parsed := ParseOutput([]byte(tc.out), "texto")
			assert.Equal(t, tc.wantParsed, parsed)
			assert.Equal(t, tc.want, got)
		})
	}
}
