package hooks

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	d := NewDefault("")

	cases := []struct {
		name    string
		referer string
		want    string
		wantErr bool
	}{
		{name: "util/strings", want: "util/strings"},
		{name: "util//strings", want: "util/strings"},
		{name: "./peer", referer: "app/main", want: "app/peer"},
		{name: "../shared/log", referer: "app/sub/main", want: "app/shared/log"},
		{name: "./self", referer: "", want: "self"},
		{name: "", wantErr: true},
		{name: "/absolute", wantErr: true},
		{name: "../escapes", referer: "main", wantErr: true},
		{name: ".", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := d.Normalize(tc.name, NormalizeOptions{Referer: Referer{Name: tc.referer}})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Normalized)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("filesystem root", func(t *testing.T) {
		d := NewDefault(filepath.Join("some", "root"))
		res, err := d.Resolve("util/strings", ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("some", "root", "util", "strings.mod.hcl"), res.Address)
	})

	t.Run("existing extension kept", func(t *testing.T) {
		d := NewDefault("root")
		res, err := d.Resolve("util/strings.hcl", ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("root", "util", "strings.hcl"), res.Address)
	})

	t.Run("base URL", func(t *testing.T) {
		d := &Default{BaseURL: "https://modules.example.com/v1/"}
		res, err := d.Resolve("util/strings", ResolveOptions{})
		require.NoError(t, err)
		assert.Equal(t, "https://modules.example.com/v1/util/strings.mod.hcl", res.Address)
	})
}

// fetchResult collects one fetch completion for assertion.
type fetchResult struct {
	source  string
	address string
	err     error
}

func runFetch(t *testing.T, d *Default, req FetchRequest) fetchResult {
	t.Helper()
	ch := make(chan fetchResult, 1)
	d.Fetch(req,
		func(source, actualAddress string) { ch <- fetchResult{source: source, address: actualAddress} },
		func(err error) { ch <- fetchResult{err: err} },
	)
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never completed")
		return fetchResult{}
	}
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeting.mod.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`module "greeting" {}`), 0o644))

	d := NewDefault(dir)

	t.Run("existing file", func(t *testing.T) {
		res := runFetch(t, d, FetchRequest{Address: path})
		require.NoError(t, res.err)
		assert.Equal(t, `module "greeting" {}`, res.source)
		assert.Equal(t, path, res.address)
	})

	t.Run("missing file", func(t *testing.T) {
		res := runFetch(t, d, FetchRequest{Address: filepath.Join(dir, "nope.mod.hcl")})
		require.Error(t, res.err)
	})
}

func TestFetchHTTP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mods/ok.mod.hcl", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`module "ok" {}`))
	})
	mux.HandleFunc("/mods/moved.mod.hcl", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mods/ok.mod.hcl", http.StatusMovedPermanently)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := &Default{Client: srv.Client()}

	t.Run("ok", func(t *testing.T) {
		res := runFetch(t, d, FetchRequest{Address: srv.URL + "/mods/ok.mod.hcl"})
		require.NoError(t, res.err)
		assert.Equal(t, `module "ok" {}`, res.source)
		assert.Equal(t, srv.URL+"/mods/ok.mod.hcl", res.address)
	})

	t.Run("redirect reports final address", func(t *testing.T) {
		res := runFetch(t, d, FetchRequest{Address: srv.URL + "/mods/moved.mod.hcl"})
		require.NoError(t, res.err)
		assert.Equal(t, `module "ok" {}`, res.source)
		assert.Equal(t, srv.URL+"/mods/ok.mod.hcl", res.address)
	})

	t.Run("not found", func(t *testing.T) {
		res := runFetch(t, d, FetchRequest{Address: srv.URL + "/mods/nope.mod.hcl"})
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "404")
	})
}

func TestListModules(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string) {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	}
	write("main.mod.hcl")
	write("util/strings.mod.hcl")
	write("util/maths.mod.hcl")
	write("notes.txt")

	d := NewDefault(dir)
	names, err := d.ListModules()
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "util/maths", "util/strings"}, names)
}

func TestTranslateAndLinkDefaults(t *testing.T) {
	d := NewDefault("")

	out, err := d.Translate("anything", TranslateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "anything", out)

	exports, err := d.Link("anything", LinkOptions{})
	require.NoError(t, err)
	assert.Nil(t, exports)
}
