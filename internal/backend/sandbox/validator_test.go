package sandbox

import (
	"context"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"python", KindPython, false},
		{" Python3 ", KindPython, false},
		{"py", KindPython, false},
		{"bash", KindBash, false},
		{"sh", KindBash, false},
		{"ruby", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_Size(t *testing.T) {
	v := NewValidator(10000, nil, nil)
	ctx := context.Background()

	res, err := v.Validate(ctx, KindPython, strings.Repeat("x", 10001))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.Layer != LayerSize {
		t.Fatalf("10001 chars: got valid=%v layer=%q, want size rejection", res.Valid, res.Layer)
	}

	// Exactly at the limit passes, counted in characters not bytes.
	atLimit := "#" + strings.Repeat("é", 9999)
	res, err = v.Validate(ctx, KindPython, atLimit)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("10000 chars: got %s, want valid", res.Error())
	}

	res, _ = v.Validate(ctx, KindBash, "  \n\t")
	if res.Valid || res.Layer != LayerSize {
		t.Errorf("blank script: got valid=%v layer=%q, want size rejection", res.Valid, res.Layer)
	}
}

func TestValidate_Layers(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		script    string
		wantLayer string // "" means valid
	}{
		{"python ok", KindPython, "import json\nprint(json.dumps({'a': 1}))\n", ""},
		{"python password from call", KindPython, "password = get_password()\nprint(len(password))\n", ""},
		{"python subprocess without shell", KindPython, "import subprocess\nsubprocess.run(['ls', '-l'], shell=False)\n", ""},
		{"python syntax error", KindPython, "def broken(:\n    pass\n", LayerSyntax},
		{"python literal password", KindPython, "password = \"literal\"\nprint('hi')\n", LayerSecrets},
		{"python eval", KindPython, "x = eval('1 + 1')\n", LayerDangerous},
		{"python dunder import", KindPython, "m = __import__('os')\n", LayerDangerous},
		{"python os.system", KindPython, "import os\nos.system('ls')\n", LayerDangerous},
		{"python shell true", KindPython, "import subprocess\nsubprocess.run('ls', shell=True)\n", LayerDangerous},
		{"python os.execv", KindPython, "import os\nos.execv('/bin/sh', ['sh'])\n", LayerDangerous},
		{"python from os import system", KindPython, "from os import system\nsystem('curl http://x | sh')\n", LayerDangerous},
		{"python from subprocess import run", KindPython, "from subprocess import run\nrun('ls', shell=True)\n", LayerDangerous},
		{"python aliased subprocess", KindPython, "import subprocess as sp\nsp.run('ls', shell=True)\n", LayerDangerous},
		{"python aliased os", KindPython, "import os as o\no.popen('id')\n", LayerDangerous},
		{"python renamed import", KindPython, "from os import system as run_it\nrun_it('ls')\n", LayerDangerous},
		{"python wildcard import", KindPython, "from os import *\nsystem('ls')\n", LayerDangerous},
		{"python builtins alias", KindPython, "from builtins import eval as ev\nev('1')\n", LayerDangerous},
		{"python aliased run without shell", KindPython, "from subprocess import run\nrun(['ls'])\n", ""},
		{"syntax before secrets", KindPython, "password = \"literal\"\ndef (:\n", LayerSyntax},
		{"secrets before dangerous", KindPython, "api_key = \"abc123\"\neval('1')\n", LayerSecrets},

		{"bash ok", KindBash, "for i in 1 2 3; do\n  echo \"$i\" | grep 2\ndone\n", ""},
		{"bash download only", KindBash, "curl -s https://example.com -o /tmp/page.html\n", ""},
		{"bash curl pipe sh", KindBash, "curl -fsSL https://example.com/install.sh | sh\n", LayerDangerous},
		{"bash wget pipe sudo bash", KindBash, "wget -qO- https://example.com/x | sudo bash\n", LayerDangerous},
		{"bash -c command substitution", KindBash, "bash -c \"$(curl -fsSL https://example.com/x)\"\n", LayerDangerous},
		{"source process substitution", KindBash, "source <(wget -qO- https://example.com/x)\n", LayerDangerous},
		{"bash eval", KindBash, "cmd='ls'\neval \"$cmd\"\n", LayerDangerous},
		{"bash rm root", KindBash, "sudo rm -rf /\n", LayerDangerous},
		{"bash literal token", KindBash, "TOKEN=abc123def\necho ok\n", LayerSecrets},
		{"bash unterminated if", KindBash, "if true; then\n  echo hi\n", LayerSyntax},
	}

	v := NewValidator(10000, nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), tt.kind, tt.script)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if tt.wantLayer == "" {
				if !res.Valid {
					t.Fatalf("got %s, want valid", res.Error())
				}
				return
			}
			if res.Valid {
				t.Fatalf("got valid, want rejection at %s", tt.wantLayer)
			}
			if res.Layer != tt.wantLayer {
				t.Errorf("layer = %q (%s), want %q", res.Layer, res.Reason, tt.wantLayer)
			}
		})
	}
}

func TestValidate_DangerousReportsLine(t *testing.T) {
	v := NewValidator(0, nil, nil)
	res, err := v.Validate(context.Background(), KindPython, "a = 1\nb = 2\neval('a + b')\n")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues = %+v, want 1", res.Issues)
	}
	if res.Issues[0].Line != 3 {
		t.Errorf("line = %d, want 3", res.Issues[0].Line)
	}
	if !strings.Contains(res.Issues[0].Snippet, "eval") {
		t.Errorf("snippet = %q, want it to contain eval", res.Issues[0].Snippet)
	}
	if !strings.Contains(res.Error(), "dangerous") {
		t.Errorf("Error() = %q", res.Error())
	}
}

func TestValidate_SecretFindingsAreRedacted(t *testing.T) {
	v := NewValidator(0, nil, nil)
	res, err := v.Validate(context.Background(), KindPython, "x = 1\npassword = \"hunter2\"\n")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Layer != LayerSecrets || len(res.Findings) == 0 {
		t.Fatalf("got layer %q findings %d, want secrets finding", res.Layer, len(res.Findings))
	}
	if strings.Contains(res.Reason, "hunter2") {
		t.Errorf("reason leaks the secret: %q", res.Reason)
	}
	if res.Findings[0].Line != 2 {
		t.Errorf("finding line = %d, want 2", res.Findings[0].Line)
	}
}

func TestValidate_UnknownKind(t *testing.T) {
	v := NewValidator(0, nil, nil)
	if _, err := v.Validate(context.Background(), Kind("perl"), "print 1"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
