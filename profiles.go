package cloak

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// profileDirEnv names the environment variable pointing at a directory of
// profile files picked up on first registry use.
const profileDirEnv = "CLOAK_PROFILE_DIR"

// Profile bundles the fingerprints and request-layer defaults of one browser
// build. File-loaded and built-in profiles share this shape.
type Profile struct {
	Name             string   `json:"name"              yaml:"name"`
	JA3              string   `json:"ja3"               yaml:"ja3"`
	JA4R             string   `json:"ja4r"              yaml:"ja4r"`
	HTTP2Fingerprint string   `json:"http2_fingerprint" yaml:"http2_fingerprint"`
	QUICFingerprint  string   `json:"quic_fingerprint"  yaml:"quic_fingerprint"`
	UserAgent        string   `json:"user_agent"        yaml:"user_agent"`
	HeaderOrder      []string `json:"header_order"      yaml:"header_order"`
	DisableGREASE    bool     `json:"disable_grease"    yaml:"disable_grease"`
	ForceHTTP1       bool     `json:"force_http1"       yaml:"force_http1"`
	ForceHTTP3       bool     `json:"force_http3"       yaml:"force_http3"`
}

// ProfileRegistry resolves profile names to fingerprint bundles. Built-in
// profiles are registered on first use; the directory named by
// CLOAK_PROFILE_DIR (when set) is layered on top.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	initOnce sync.Once
}

// NewProfileRegistry returns an empty registry. Built-ins and the environment
// directory are loaded lazily on the first lookup or Register call.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]*Profile)}
}

func (r *ProfileRegistry) init() {
	r.initOnce.Do(func() {
		r.mu.Lock()

		for _, p := range builtinProfiles {
			r.profiles[strings.ToLower(p.Name)] = p
		}

		r.mu.Unlock()

		if dir := os.Getenv(profileDirEnv); dir != "" {
			_ = r.LoadDir(dir)
		}
	})
}

// Register adds or replaces a profile under its lowercased name.
func (r *ProfileRegistry) Register(p *Profile) {
	r.init()

	r.mu.Lock()
	r.profiles[strings.ToLower(p.Name)] = p
	r.mu.Unlock()
}

// Lookup returns the profile registered under name, case-insensitively.
func (r *ProfileRegistry) Lookup(name string) (*Profile, bool) {
	r.init()

	r.mu.RLock()
	p, ok := r.profiles[strings.ToLower(name)]
	r.mu.RUnlock()

	return p, ok
}

// Names returns the registered profile names, sorted.
func (r *ProfileRegistry) Names() []string {
	r.init()

	r.mu.RLock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)

	return names
}

// LoadDir loads every .json, .yaml and .yml profile file in dir. Files are
// applied in lexicographic order so a later file supersedes an earlier
// same-named entry.
func (r *ProfileRegistry) LoadDir(dir string) error {
	r.init()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	for _, name := range names {
		p, err := loadProfileFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.profiles[strings.ToLower(p.Name)] = p
		r.mu.Unlock()
	}

	return nil
}

func loadProfileFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := new(Profile)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, p)
	} else {
		err = yaml.Unmarshal(data, p)
	}

	if err != nil {
		return nil, &FingerprintParseError{Format: "profile", Field: filepath.Base(path), Msg: err.Error()}
	}

	if p.Name == "" {
		return nil, &FingerprintParseError{Format: "profile", Field: filepath.Base(path), Msg: "profile file without a name"}
	}

	return p, nil
}

// builtinProfiles are the browser builds the engine can impersonate without
// any external profile files.
var builtinProfiles = []*Profile{
	{
		Name:             "chrome131",
		JA3:              "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,45-18-27-65281-0-16-11-17513-5-51-43-13-10-23-21,29-23-24,0",
		HTTP2Fingerprint: "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p",
		QUICFingerprint:  "chrome_115",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		HeaderOrder: []string{
			"sec-ch-ua", "sec-ch-ua-mobile", "sec-ch-ua-platform", "upgrade-insecure-requests",
			"user-agent", "accept", "sec-fetch-site", "sec-fetch-mode", "sec-fetch-user",
			"sec-fetch-dest", "accept-encoding", "accept-language",
		},
	},
	{
		Name:             "firefox131",
		JA3:              "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-34-51-43-13-45-28-27-65037,29-23-24-25-256-257,0",
		HTTP2Fingerprint: "1:65536;2:0;4:131072;5:16384|12517377|3:0:0:201|m,p,a,s",
		QUICFingerprint:  "firefox_116",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
		HeaderOrder: []string{
			"user-agent", "accept", "accept-language", "accept-encoding", "referer",
			"upgrade-insecure-requests", "sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site",
		},
	},
	{
		Name:      "firefox87",
		JA3:       _defaultJA3,
		UserAgent: _defaultUserAgent,
	},
	{
		Name:             "safari17",
		JA3:              "771,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27-21,29-23-24-25,0",
		HTTP2Fingerprint: "4:4194304;3:100|10485760|0|m,s,p,a",
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	},
}
