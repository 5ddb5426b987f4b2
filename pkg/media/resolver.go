// Package media resolves message media references into something safely
// consumable: local files vetted against an allow-list, remote images
// downloaded with SSRF and size guards, and outbound references re-encoded
// for the gateway.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openclaw/onebridge/pkg/config"
	"github.com/openclaw/onebridge/pkg/logger"
	"github.com/openclaw/onebridge/pkg/utils"
)

const (
	// MaxImageBytes caps a single downloaded image. Enforced on the
	// stream, not on Content-Length, so a lying header cannot bypass it.
	MaxImageBytes = 10 << 20
	// FetchTimeout bounds one remote fetch end to end.
	FetchTimeout = 15 * time.Second
	// MaxImagesPerMessage caps how many images one message materializes.
	MaxImagesPerMessage = 3
)

// Resolver vets and fetches media. One instance per account; it holds no
// per-message state beyond the temp files it writes.
type Resolver struct {
	cfg    config.MediaConfig
	client *http.Client

	// lookupIP is swappable in tests so hostname verdicts do not depend
	// on live DNS.
	lookupIP func(ctx context.Context, host string) ([]net.IPAddr, error)

	tempDir string
}

func NewResolver(cfg config.MediaConfig) *Resolver {
	r := &Resolver{
		cfg:      cfg,
		lookupIP: net.DefaultResolver.LookupIPAddr,
		tempDir:  filepath.Join(os.TempDir(), "onebridge-media"),
	}
	r.client = &http.Client{
		Timeout: FetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			// A redirect can bounce a vetted URL onto an internal host.
			if r.hostBlocked(req.Context(), req.URL.Hostname()) {
				return fmt.Errorf("redirect to blocked host %s", req.URL.Hostname())
			}
			return nil
		},
	}
	return r
}

// MaterializeImage turns one inbound image reference into a local file path
// for downstream consumption. Supported forms: base64:// payloads, file://
// and bare paths inside the allow-listed directories, and http(s) URLs that
// pass the SSRF checks.
func (r *Resolver) MaterializeImage(ctx context.Context, ref, messageID string, index int) (string, error) {
	switch {
	case strings.HasPrefix(ref, "base64://"):
		data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, "base64://"))
		if err != nil {
			return "", fmt.Errorf("media: decode base64 image: %w", err)
		}
		if len(data) > MaxImageBytes {
			return "", fmt.Errorf("media: base64 image exceeds %d bytes", MaxImageBytes)
		}
		return r.writeTemp(data, messageID, index, ".jpg")

	case strings.HasPrefix(ref, "file://"):
		return r.vetLocalPath(strings.TrimPrefix(ref, "file://"))

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.downloadImage(ctx, ref, messageID, index)

	case filepath.IsAbs(ref), isRelativeRef(ref):
		return r.vetLocalPath(ref)

	default:
		return "", fmt.Errorf("media: unsupported image reference %q", utils.Truncate(ref, 64))
	}
}

// isRelativeRef reports whether ref is an explicit relative path. Bare
// names stay opaque so gateway file tokens are not mistaken for paths;
// relatives resolve against the process working directory in vetLocalPath.
func isRelativeRef(ref string) bool {
	return strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../")
}

func (r *Resolver) vetLocalPath(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("media: resolve path: %w", err)
	}
	if !r.pathAllowed(abs) {
		return "", fmt.Errorf("media: path %s outside allowed directories", abs)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("media: stat local image: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("media: %s is a directory", abs)
	}
	if info.Size() > MaxImageBytes {
		return "", fmt.Errorf("media: local image exceeds %d bytes", MaxImageBytes)
	}
	return abs, nil
}

func (r *Resolver) downloadImage(ctx context.Context, rawURL, messageID string, index int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("media: parse image URL: %w", err)
	}
	host := u.Hostname()
	if !r.isTrustedHost(host) && r.hostBlocked(ctx, host) {
		return "", fmt.Errorf("media: refusing to fetch from blocked host %s", host)
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	// HEAD pre-flight rejects oversized bodies before the transfer starts.
	// Servers that refuse HEAD still get the capped GET below.
	if req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil); err == nil {
		if resp, err := r.client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && resp.ContentLength > MaxImageBytes {
				return "", fmt.Errorf("media: image exceeds %d bytes", MaxImageBytes)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: fetch image: status %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxImageBytes {
		return "", fmt.Errorf("media: image exceeds %d bytes", MaxImageBytes)
	}

	data, err := readAllLimit(resp.Body, MaxImageBytes)
	if err != nil {
		return "", err
	}

	ext := extFromResponse(resp, u.Path)
	return r.writeTemp(data, messageID, index, ext)
}

// Resolve prepares an outbound media reference for the gateway. It never
// fails: anything that cannot be improved is passed through unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) string {
	switch {
	case strings.HasPrefix(ref, "base64://"):
		return ref

	case strings.HasPrefix(ref, "file://"), filepath.IsAbs(ref), isRelativeRef(ref):
		path := strings.TrimPrefix(ref, "file://")
		encoded, err := r.encodeLocal(path)
		if err != nil {
			logger.WarnCF("media", "Local media passthrough", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return ref
		}
		return encoded

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		// Hosts the gateway can reach itself are passed through to avoid
		// re-uploading what it will just re-download.
		if r.isTrustedHost(u.Hostname()) {
			return ref
		}
		path, err := r.downloadImage(ctx, ref, "outbound", 0)
		if err != nil {
			logger.WarnCF("media", "Remote media passthrough", map[string]interface{}{
				"url":   utils.Truncate(ref, 128),
				"error": err.Error(),
			})
			return ref
		}
		defer os.Remove(path)
		encoded, err := r.encodeLocal(path)
		if err != nil {
			return ref
		}
		return encoded

	default:
		return ref
	}
}

func (r *Resolver) encodeLocal(path string) (string, error) {
	abs, err := r.vetLocalPath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("media: read local media: %w", err)
	}
	return "base64://" + base64.StdEncoding.EncodeToString(data), nil
}

// ResolveAudio maps an outbound voice reference onto an existing local
// file. When the named file is missing, the fallback directory is scanned
// for the most recent file with the same extension; synthesis pipelines
// often emit under generated names.
func (r *Resolver) ResolveAudio(ref string) string {
	path := strings.TrimPrefix(ref, "file://")
	if filepath.IsAbs(path) {
		if abs, err := r.vetLocalPath(path); err == nil {
			return "file://" + abs
		}
	}

	if r.cfg.AudioFallbackDir == "" {
		return ref
	}
	ext := filepath.Ext(path)
	if ext == "" {
		return ref
	}

	entries, err := os.ReadDir(r.cfg.AudioFallbackDir)
	if err != nil {
		return ref
	}
	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = filepath.Join(r.cfg.AudioFallbackDir, entry.Name())
		}
	}
	if newest == "" {
		return ref
	}
	return "file://" + newest
}

// pathAllowed reports whether abs sits inside one of the allow-listed
// directories. The check is a path-boundary test, not a prefix test, so
// /tmp_evil does not pass as /tmp.
func (r *Resolver) pathAllowed(abs string) bool {
	for _, dir := range r.cfg.AllowedLocalDirs {
		base, err := filepath.Abs(filepath.Clean(dir))
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func (r *Resolver) isTrustedHost(host string) bool {
	host = strings.ToLower(host)
	for _, trusted := range r.cfg.TrustedImageHosts {
		trusted = strings.ToLower(trusted)
		if strings.HasPrefix(trusted, "*.") {
			if strings.HasSuffix(host, trusted[1:]) {
				return true
			}
			continue
		}
		if host == trusted {
			return true
		}
	}
	return false
}

// hostBlocked reports whether host must not be fetched from. Literal IPs
// are judged directly; hostnames are resolved and every address must be
// public. Anything unresolvable or unparseable is blocked; fail closed.
func (r *Resolver) hostBlocked(ctx context.Context, host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}

	addrs, err := r.lookupIP(ctx, host)
	if err != nil || len(addrs) == 0 {
		return true
	}
	for _, addr := range addrs {
		if isPrivateIP(addr.IP) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 0.0.0.0/8 and carrier-grade NAT 100.64.0.0/10.
		if v4[0] == 0 {
			return true
		}
		if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
			return true
		}
	}
	return false
}

// readAllLimit reads at most max bytes and fails when the stream carries
// more, instead of silently truncating.
func readAllLimit(rd io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, max+1))
	if err != nil {
		return nil, fmt.Errorf("media: read stream: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("media: stream exceeds %d bytes", max)
	}
	return data, nil
}

func (r *Resolver) writeTemp(data []byte, messageID string, index int, ext string) (string, error) {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("media: create temp dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d%s", utils.SanitizeFilename(messageID), index, ext)
	path := filepath.Join(r.tempDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("media: write temp image: %w", err)
	}
	return path, nil
}

func extFromResponse(resp *http.Response, urlPath string) string {
	switch resp.Header.Get("Content-Type") {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/jpeg":
		return ".jpg"
	}
	if ext := strings.ToLower(filepath.Ext(urlPath)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}
