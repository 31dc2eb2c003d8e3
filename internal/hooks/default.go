package hooks

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// DefaultExtension is appended to resolved addresses whose final segment
// carries no extension of its own.
const DefaultExtension = ".mod.hcl"

// Default is the stock hook policy: slash-separated module names, relative
// names resolved against the importing module's name, sources fetched from
// files under Root or URLs under BaseURL.
type Default struct {
	// Root is the filesystem directory module addresses resolve under.
	Root string
	// BaseURL, when non-empty, switches resolution to HTTP(S) addresses
	// under this prefix instead of the filesystem.
	BaseURL string
	// Client is used for HTTP fetches. Defaults to http.DefaultClient.
	Client *http.Client
}

// NewDefault builds the default hooks with the given filesystem root.
func NewDefault(root string) *Default {
	return &Default{Root: root}
}

// Normalize resolves "./" and "../" prefixed names against the referring
// module's name and cleans the result. Absolute names pass through cleaned.
func (d *Default) Normalize(name string, opts NormalizeOptions) (NormalizeResult, error) {
	if name == "" {
		return NormalizeResult{}, fmt.Errorf("module name must not be empty")
	}
	if strings.HasPrefix(name, "/") {
		return NormalizeResult{}, fmt.Errorf("module name %q must not start with a slash", name)
	}

	full := name
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		base := ""
		if opts.Referer.Name != "" {
			base = path.Dir(opts.Referer.Name)
			if base == "." {
				base = ""
			}
		}
		full = path.Join(base, name)
	}
	full = path.Clean(full)
	if full == "." || full == ".." || strings.HasPrefix(full, "../") {
		return NormalizeResult{}, fmt.Errorf("module name %q escapes the module namespace", name)
	}
	return NormalizeResult{Normalized: full}, nil
}

// Resolve maps a full module name to a file path under Root, or a URL under
// BaseURL, appending DefaultExtension when the name has no extension.
func (d *Default) Resolve(normalized string, opts ResolveOptions) (ResolveResult, error) {
	rel := normalized
	if !strings.Contains(path.Base(rel), ".") {
		rel += DefaultExtension
	}
	if d.BaseURL != "" {
		return ResolveResult{Address: strings.TrimSuffix(d.BaseURL, "/") + "/" + rel}, nil
	}
	return ResolveResult{Address: filepath.Join(d.Root, filepath.FromSlash(rel))}, nil
}

// Fetch reads the address from the filesystem, or over HTTP(S) on a separate
// goroutine for URL addresses.
func (d *Default) Fetch(req FetchRequest, fulfill FulfillFunc, reject RejectFunc) {
	if strings.HasPrefix(req.Address, "http://") || strings.HasPrefix(req.Address, "https://") {
		client := d.Client
		if client == nil {
			client = http.DefaultClient
		}
		go fetchHTTP(client, req.Address, fulfill, reject)
		return
	}

	data, err := os.ReadFile(req.Address)
	if err != nil {
		reject(fmt.Errorf("failed to fetch %s: %w", req.Address, err))
		return
	}
	fulfill(string(data), req.Address)
}

func fetchHTTP(client *http.Client, address string, fulfill FulfillFunc, reject RejectFunc) {
	resp, err := client.Get(address)
	if err != nil {
		reject(fmt.Errorf("failed to fetch %s: %w", address, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		reject(fmt.Errorf("failed to fetch %s: unexpected status %s", address, resp.Status))
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		reject(fmt.Errorf("failed to read %s: %w", address, err))
		return
	}

	actual := address
	if resp.Request != nil && resp.Request.URL != nil {
		actual = resp.Request.URL.String()
	}
	fulfill(string(body), actual)
}

// Translate is the identity transform.
func (d *Default) Translate(source string, opts TranslateOptions) (string, error) {
	return source, nil
}

// Link always selects default compile-then-link behavior.
func (d *Default) Link(source string, opts LinkOptions) (map[string]cty.Value, error) {
	return nil, nil
}
