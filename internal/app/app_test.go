package app

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/jorendorff/js-loaders-sub000/internal/loader"
)

func writeModule(t *testing.T, root, rel, source string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
}

func TestRunScript(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "main.mod.hcl", `
		import "util/maths" { as = "m" }
		output "sum" { value = m.x + m.y }
		output "banner" { value = "sum is ${m.x + m.y}" }
	`)
	writeModule(t, root, "util/maths.mod.hcl", `
		module "util/maths" {
		  export "x" { value = 2 }
		  export "y" { value = 40 }
		}
	`)

	cfg, err := NewConfig(Config{
		ScriptPath: filepath.Join(root, "main.mod.hcl"),
		Root:       root,
		LogFormat:  "text",
		LogLevel:   "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, "banner = \"sum is 42\"\nsum = 42\n", out.String())
	assert.True(t, a.Loader().Has("util/maths"))
}

func TestRunEvalSource(t *testing.T) {
	cfg, err := NewConfig(Config{
		EvalSource: `
			module "greeting" {
			  export "word" { value = "hello" }
			}
			import "greeting" {}
			output "msg" { value = greeting.word }
		`,
		Root:      t.TempDir(),
		LogFormat: "text",
		LogLevel:  "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, "msg = \"hello\"\n", out.String())
}

func TestRunReportsLoadFailure(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "main.mod.hcl", `
		import "does/not/exist" {}
		output "v" { value = exist.v }
	`)

	cfg, err := NewConfig(Config{
		ScriptPath: filepath.Join(root, "main.mod.hcl"),
		Root:       root,
		LogFormat:  "text",
		LogLevel:   "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	err = a.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func TestRunReportsExecutionFailure(t *testing.T) {
	cfg, err := NewConfig(Config{
		EvalSource: `output "v" { value = nosuchvar.boom }`,
		Root:       t.TempDir(),
		LogFormat:  "text",
		LogLevel:   "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	require.Error(t, a.Run(context.Background()))
}

func TestRunListModules(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "main.mod.hcl", `output "v" { value = 1 }`)
	writeModule(t, root, "util/maths.mod.hcl", `module "util/maths" {}`)

	cfg, err := NewConfig(Config{
		Root:        root,
		ListModules: true,
		LogFormat:   "text",
		LogLevel:    "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, "main\nutil/maths\n", out.String())
}

func TestRunAgainstSeededRegistry(t *testing.T) {
	cfg, err := NewConfig(Config{
		EvalSource: `
			import "host/env" {}
			output "region" { value = env.region }
		`,
		Root:      t.TempDir(),
		LogFormat: "text",
		LogLevel:  "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	a := NewApp(&out, io.Discard, cfg)
	require.NoError(t, a.Loader().Set("host/env", loader.NewModule(map[string]cty.Value{
		"region": cty.StringVal("eu-west-1"),
	})))

	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, "region = \"eu-west-1\"\n", out.String())
}
