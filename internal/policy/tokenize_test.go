package policy

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: []string{}},
		{name: "whitespace only", input: " \t\n ", want: []string{}},
		{name: "plain words", input: "docker  compose\tps", want: []string{"docker", "compose", "ps"}},
		{
			name:  "quotes",
			input: `docker compose -f "my file.yml" up 'a b'`,
			want:  []string{"docker", "compose", "-f", "my file.yml", "up", "a b"},
		},
		{name: "single quotes are literal", input: `echo 'a\"b'`, want: []string{"echo", `a\"b`}},
		{name: "escaped quote in double quotes", input: `echo "say \"hi\""`, want: []string{"echo", `say "hi"`}},
		{name: "backslash outside quotes is literal", input: `C:\path\to`, want: []string{`C:\path\to`}},
		{name: "adjacent quoted segments join", input: `--file="a b"c`, want: []string{"--file=a bc"}},
		{name: "unterminated quote", input: `docker "compose up`, want: []string{"docker", "compose up"}},
		{name: "empty quotes dropped", input: `docker "" ps`, want: []string{"docker", "ps"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tokenize(tc.input)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
