package feed

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// pngMagic はPNGファイルの先頭8バイト。テスト用の最小画像データとして使う。
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// faviconServer は固定のContent-Typeとボディを返すテストサーバーを起動する。
func faviconServer(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetchFavicon_Success(t *testing.T) {
	server := faviconServer(t, "image/png", pngMagic)

	f := NewFaviconFetcher(&stubSSRFGuard{})
	data, mimeType, err := f.FetchFavicon(context.Background(), server.URL+"/favicon.ico")
	if err != nil {
		t.Fatalf("FetchFavicon returned error: %v", err)
	}
	if !bytes.Equal(data, pngMagic) {
		t.Errorf("data = %v, want PNG magic bytes", data)
	}
	if mimeType != "image/png" {
		t.Errorf("mimeType = %q, want image/png", mimeType)
	}
}

func TestFetchFavicon_StripsContentTypeParams(t *testing.T) {
	server := faviconServer(t, "image/x-icon; charset=binary", pngMagic)

	f := NewFaviconFetcher(&stubSSRFGuard{})
	_, mimeType, err := f.FetchFavicon(context.Background(), server.URL+"/favicon.ico")
	if err != nil {
		t.Fatalf("FetchFavicon returned error: %v", err)
	}
	if mimeType != "image/x-icon" {
		t.Errorf("mimeType = %q, want image/x-icon", mimeType)
	}
}

// TestFetchFavicon_DegradesToNil は取得に失敗する各ケースで
// エラーを返さずnilデータに落とすことを検証する。
func TestFetchFavicon_DegradesToNil(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		status      int
	}{
		{
			name:        "404はnilデータ",
			contentType: "image/png",
			body:        pngMagic,
			status:      http.StatusNotFound,
		},
		{
			name:        "2xx以外の3xxもnilデータ",
			contentType: "image/png",
			body:        pngMagic,
			status:      http.StatusMultipleChoices,
		},
		{
			name:        "画像以外のContent-Typeはnilデータ",
			contentType: "text/html",
			body:        []byte("<html>not an image</html>"),
			status:      http.StatusOK,
		},
		{
			name:        "サイズ上限超過はnilデータ",
			contentType: "image/png",
			body:        bytes.Repeat([]byte{0xFF}, maxFaviconSize+1),
			status:      http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				w.Write(tt.body)
			}))
			t.Cleanup(server.Close)

			f := NewFaviconFetcher(&stubSSRFGuard{})
			data, mimeType, err := f.FetchFavicon(context.Background(), server.URL+"/favicon.ico")
			if err != nil {
				t.Fatalf("FetchFavicon returned error: %v", err)
			}
			if data != nil {
				t.Errorf("data length = %d, want nil", len(data))
			}
			if mimeType != "" {
				t.Errorf("mimeType = %q, want empty", mimeType)
			}
		})
	}
}

func TestFetchFavicon_EmptyURL(t *testing.T) {
	f := NewFaviconFetcher(&stubSSRFGuard{})
	data, mimeType, err := f.FetchFavicon(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchFavicon returned error: %v", err)
	}
	if data != nil || mimeType != "" {
		t.Errorf("got (%v, %q), want (nil, \"\")", data, mimeType)
	}
}

func TestFetchFavicon_SSRFBlocked(t *testing.T) {
	reached := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngMagic)
	}))
	t.Cleanup(server.Close)

	f := NewFaviconFetcher(&stubSSRFGuard{denyAll: true})
	data, _, err := f.FetchFavicon(context.Background(), server.URL+"/favicon.ico")
	if err != nil {
		t.Fatalf("FetchFavicon returned error: %v", err)
	}
	if data != nil {
		t.Errorf("data = %v, want nil when blocked", data)
	}
	if reached {
		t.Error("blocked URL should not be requested")
	}
}

func TestFetchFaviconForSite(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "image/x-icon")
		w.Write(pngMagic)
	}))
	t.Cleanup(server.Close)

	f := NewFaviconFetcher(&stubSSRFGuard{})
	data, mimeType, err := f.FetchFaviconForSite(context.Background(), server.URL+"/blog/entry?page=2")
	if err != nil {
		t.Fatalf("FetchFaviconForSite returned error: %v", err)
	}
	if gotPath != "/favicon.ico" {
		t.Errorf("requested path = %q, want /favicon.ico", gotPath)
	}
	if !bytes.Equal(data, pngMagic) {
		t.Errorf("data = %v, want PNG magic bytes", data)
	}
	if mimeType != "image/x-icon" {
		t.Errorf("mimeType = %q, want image/x-icon", mimeType)
	}
}

func TestFetchFaviconForSite_UnparsableURL(t *testing.T) {
	f := NewFaviconFetcher(&stubSSRFGuard{})
	data, mimeType, err := f.FetchFaviconForSite(context.Background(), "://bad-url")
	if err != nil {
		t.Fatalf("FetchFaviconForSite returned error: %v", err)
	}
	if data != nil || mimeType != "" {
		t.Errorf("got (%v, %q), want (nil, \"\")", data, mimeType)
	}
}

func TestDefaultIconURL(t *testing.T) {
	tests := []struct {
		name    string
		siteURL string
		want    string
	}{
		{"ルートURL", "https://example.com", "https://example.com/favicon.ico"},
		{"末尾スラッシュ付き", "https://example.com/", "https://example.com/favicon.ico"},
		{"パス付きURL", "https://example.com/blog/entry", "https://example.com/favicon.ico"},
		{"クエリとフラグメントは除去", "https://example.com/page?q=1#top", "https://example.com/favicon.ico"},
		{"ポート番号は維持", "http://example.com:8080/blog", "http://example.com:8080/favicon.ico"},
		{"空文字列", "", ""},
		{"解釈できないURL", "://bad", ""},
		{"ホストのない相対パス", "/blog/entry", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defaultIconURL(tt.siteURL)
			if got != tt.want {
				t.Errorf("defaultIconURL(%q) = %q, want %q", tt.siteURL, got, tt.want)
			}
		})
	}
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		want        string
	}{
		{"パラメータ付き", "image/png; charset=binary", "image/png"},
		{"パラメータなし", "image/png", "image/png"},
		{"大文字は小文字に正規化", "IMAGE/PNG", "image/png"},
		{"空文字列", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mediaType(tt.contentType)
			if got != tt.want {
				t.Errorf("mediaType(%q) = %q, want %q", tt.contentType, got, tt.want)
			}
		})
	}
}
