package channels

import "testing"

const sampleTable = "Intro\n\n| Name | Age |\n| --- | --- |\n| Ann | 30 |\n| Bob |  |\n\nOutro"

func TestConvertMarkdownTables(t *testing.T) {
	tests := []struct {
		name string
		in   string
		mode TableMode
		want string
	}{
		{"off", sampleTable, TableModeOff, sampleTable},
		{
			"bullets",
			sampleTable, TableModeBullets,
			"Intro\n\n- Name: Ann; Age: 30\n- Name: Bob\n\nOutro",
		},
		{
			"code",
			sampleTable, TableModeCode,
			"Intro\n\n```\n| Name | Age |\n| --- | --- |\n| Ann | 30 |\n| Bob |  |\n```\n\nOutro",
		},
		{
			"no separator is not a table",
			"| just | pipes |\nnext line",
			TableModeBullets,
			"| just | pipes |\nnext line",
		},
		{
			"inside code fence untouched",
			"```\n| a | b |\n| --- | --- |\n```",
			TableModeBullets,
			"```\n| a | b |\n| --- | --- |\n```",
		},
		{"plain text", "no tables here", TableModeBullets, "no tables here"},
		{
			"no outer pipes",
			"Name | Age\n--- | ---\nBob | 3",
			TableModeBullets,
			"- Name: Bob; Age: 3",
		},
		{
			"escaped pipe in code span",
			"| Cmd | Desc |\n| --- | --- |\n| `a \\| b` | pipe |",
			TableModeBullets,
			"- Cmd: `a | b`; Desc: pipe",
		},
		{
			"two tables",
			"| a |\n| - |\n| 1 |\n\nmid\n\n| b |\n| - |\n| 2 |",
			TableModeBullets,
			"- a: 1\n\nmid\n\n- b: 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConvertMarkdownTables(tt.in, tt.mode); got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestParseTableMode(t *testing.T) {
	if m, err := ParseTableMode(""); err != nil || m != TableModeBullets {
		t.Fatalf("empty: got %q, %v", m, err)
	}
	if _, err := ParseTableMode("html"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
