package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/autopress/internal/feed"
	"github.com/hitoshi/autopress/internal/model"
	"github.com/hitoshi/autopress/internal/repository"
)

// fakeSourceRepo はメモリ上で動くSourceRepositoryのテスト実装。
type fakeSourceRepo struct {
	byID  map[string]*model.Source
	calls map[string]int

	favicon struct {
		sourceID string
		data     []byte
		mime     string
	}
}

func newFakeSourceRepo(seed ...*model.Source) *fakeSourceRepo {
	r := &fakeSourceRepo{
		byID:  make(map[string]*model.Source),
		calls: make(map[string]int),
	}
	for _, s := range seed {
		r.byID[s.ID] = s
	}
	return r
}

func (r *fakeSourceRepo) FindByID(_ context.Context, id string) (*model.Source, error) {
	return r.byID[id], nil
}

func (r *fakeSourceRepo) FindByURL(_ context.Context, url string) (*model.Source, error) {
	for _, s := range r.byID {
		if s.URL == url {
			return s, nil
		}
	}
	return nil, nil
}

func (r *fakeSourceRepo) Create(_ context.Context, s *model.Source) error {
	r.calls["Create"]++
	r.byID[s.ID] = s
	return nil
}

func (r *fakeSourceRepo) Update(_ context.Context, s *model.Source) error {
	r.calls["Update"]++
	r.byID[s.ID] = s
	return nil
}

func (r *fakeSourceRepo) UpdateFavicon(_ context.Context, sourceID string, data []byte, mime string) error {
	r.favicon.sourceID = sourceID
	r.favicon.data = data
	r.favicon.mime = mime
	if s := r.byID[sourceID]; s != nil {
		s.FaviconData = data
		s.FaviconMime = mime
	}
	return nil
}

func (r *fakeSourceRepo) List(_ context.Context) ([]*model.Source, error) {
	sources := make([]*model.Source, 0, len(r.byID))
	for _, s := range r.byID {
		sources = append(sources, s)
	}
	return sources, nil
}

func (r *fakeSourceRepo) ListWithStats(_ context.Context) ([]repository.SourceWithStats, error) {
	stats := make([]repository.SourceWithStats, 0, len(r.byID))
	for _, s := range r.byID {
		stats = append(stats, repository.SourceWithStats{Source: *s})
	}
	return stats, nil
}

func (r *fakeSourceRepo) Delete(_ context.Context, id string) error {
	r.calls["Delete"]++
	delete(r.byID, id)
	return nil
}

func (r *fakeSourceRepo) ListDueForPoll(_ context.Context) ([]*model.Source, error) { return nil, nil }

func (r *fakeSourceRepo) UpdatePollState(_ context.Context, _ *model.Source) error { return nil }

// stubDetector は固定の検出結果を返すDetector。
type stubDetector struct {
	feedURL string
	err     error
	calls   int
}

func (d *stubDetector) DetectFeedURL(_ context.Context, _ string) (string, error) {
	d.calls++
	return d.feedURL, d.err
}

// stubFaviconFetcher は固定のfaviconを返すFaviconFetcher。
type stubFaviconFetcher struct {
	data []byte
	mime string
	err  error
}

func (f *stubFaviconFetcher) FetchFaviconForSite(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.mime, f.err
}

// wantAPIError はerrが指定コードの*model.APIErrorであることを検証する。
func wantAPIError(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("*model.APIErrorではない: %T", err)
	}
	if apiErr.Code != code {
		t.Errorf("エラーコード = %q, want %q", apiErr.Code, code)
	}
}

func TestCreateSource_RegistersDetectedFeed(t *testing.T) {
	repo := newFakeSourceRepo()
	det := &stubDetector{feedURL: "https://example.com/feed.xml"}
	fav := &stubFaviconFetcher{data: []byte("\x89PNG"), mime: "image/png"}

	svc := NewService(repo, det, fav)

	config := map[string]any{"autoGenerate": true, "maxItems": float64(5)}
	src, err := svc.CreateSource(context.Background(), "ニュースフィード", "https://example.com", config)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	if src.Name != "ニュースフィード" {
		t.Errorf("Name = %q, want %q", src.Name, "ニュースフィード")
	}
	if src.URL != "https://example.com/feed.xml" {
		t.Errorf("URL = %q, want 検出されたフィードURL", src.URL)
	}
	if src.Type != model.SourceTypeRSS {
		t.Errorf("Type = %q, want %q", src.Type, model.SourceTypeRSS)
	}
	if src.Config["autoGenerate"] != true {
		t.Error("Configは与えたまま保存されるべき")
	}
	if src.NextPollAt.IsZero() {
		t.Error("登録直後にポーリング対象となるようNextPollAtが入るべき")
	}
	if repo.calls["Create"] != 1 {
		t.Errorf("Create呼び出し回数 = %d, want 1", repo.calls["Create"])
	}
}

func TestCreateSource_InputDefaults(t *testing.T) {
	tests := []struct {
		name    string
		srcName string
		check   func(t *testing.T, src *model.Source)
	}{
		{
			name:    "名前未指定ならホスト名を使う",
			srcName: "",
			check: func(t *testing.T, src *model.Source) {
				if src.Name != "news.example.com" {
					t.Errorf("Name = %q, want %q", src.Name, "news.example.com")
				}
			},
		},
		{
			name:    "Config未指定なら空のマッピングで保存",
			srcName: "テスト",
			check: func(t *testing.T, src *model.Source) {
				if src.Config == nil || len(src.Config) != 0 {
					t.Errorf("Config = %v, want 空のマッピング", src.Config)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &stubDetector{feedURL: "https://news.example.com/rss.xml"}
			svc := NewService(newFakeSourceRepo(), det, &stubFaviconFetcher{})

			src, err := svc.CreateSource(context.Background(), tt.srcName, "https://news.example.com", nil)
			if err != nil {
				t.Fatalf("CreateSource: %v", err)
			}
			tt.check(t, src)
		})
	}
}

func TestCreateSource_RejectsDuplicateFeedURL(t *testing.T) {
	existing := &model.Source{ID: "existing-source-id", Name: "既存ソース", URL: "https://example.com/feed.xml"}
	repo := newFakeSourceRepo(existing)
	det := &stubDetector{feedURL: existing.URL}

	svc := NewService(repo, det, &stubFaviconFetcher{})

	_, err := svc.CreateSource(context.Background(), "新ソース", "https://example.com", nil)
	wantAPIError(t, err, model.ErrCodeDuplicateSource)
	if repo.calls["Create"] != 0 {
		t.Errorf("重複時にCreateが呼ばれた: %d回", repo.calls["Create"])
	}
}

func TestCreateSource_DetectionFailurePropagates(t *testing.T) {
	repo := newFakeSourceRepo()
	det := &stubDetector{err: model.NewFeedNotDetectedError("https://example.com")}

	svc := NewService(repo, det, &stubFaviconFetcher{})

	_, err := svc.CreateSource(context.Background(), "テスト", "https://example.com", nil)
	wantAPIError(t, err, model.ErrCodeFeedNotDetected)
	if repo.calls["Create"] != 0 {
		t.Errorf("検出失敗時にCreateが呼ばれた: %d回", repo.calls["Create"])
	}
}

func TestCreateSource_FaviconFailureDoesNotBlock(t *testing.T) {
	repo := newFakeSourceRepo()
	det := &stubDetector{feedURL: "https://example.com/feed.xml"}
	fav := &stubFaviconFetcher{err: fmt.Errorf("connection refused")}

	svc := NewService(repo, det, fav)

	src, err := svc.CreateSource(context.Background(), "テスト", "https://example.com", nil)
	if err != nil {
		t.Fatalf("favicon失敗は登録を妨げないべき: %v", err)
	}
	if src.FaviconData != nil {
		t.Error("取得できなかったfaviconはnilのままであるべき")
	}
}

func TestCreateSource_SavesFavicon(t *testing.T) {
	repo := newFakeSourceRepo()
	det := &stubDetector{feedURL: "https://example.com/feed.xml"}
	fav := &stubFaviconFetcher{data: []byte("\x89PNG"), mime: "image/png"}

	svc := NewService(repo, det, fav)

	src, err := svc.CreateSource(context.Background(), "テスト", "https://example.com", nil)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}

	if repo.favicon.sourceID != src.ID {
		t.Errorf("UpdateFaviconのsourceID = %q, want %q", repo.favicon.sourceID, src.ID)
	}
	if repo.favicon.mime != "image/png" {
		t.Errorf("mime = %q, want image/png", repo.favicon.mime)
	}
	if src.FaviconData == nil {
		t.Error("保存後のsourceにFaviconDataが反映されるべき")
	}
}

func TestGetSource_ReturnsStored(t *testing.T) {
	repo := newFakeSourceRepo(&model.Source{ID: "source-1", Name: "テストソース", URL: "https://example.com/feed.xml"})
	svc := NewService(repo, &stubDetector{}, &stubFaviconFetcher{})

	src, err := svc.GetSource(context.Background(), "source-1")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Name != "テストソース" {
		t.Errorf("Name = %q, want %q", src.Name, "テストソース")
	}
}

func TestListSources_ReturnsStats(t *testing.T) {
	repo := newFakeSourceRepo(
		&model.Source{ID: "source-1", URL: "https://a.example.com/feed"},
		&model.Source{ID: "source-2", URL: "https://b.example.com/feed"},
	)
	svc := NewService(repo, &stubDetector{}, &stubFaviconFetcher{})

	stats, err := svc.ListSources(context.Background())
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(stats) != 2 {
		t.Errorf("件数 = %d, want 2", len(stats))
	}
}

func TestUpdateSource_NameOnlyKeepsOtherFields(t *testing.T) {
	repo := newFakeSourceRepo(&model.Source{
		ID:     "source-1",
		Name:   "旧名称",
		URL:    "https://example.com/feed.xml",
		ETag:   `"abc123"`,
		Config: map[string]any{"maxItems": float64(5)},
	})
	det := &stubDetector{}
	svc := NewService(repo, det, &stubFaviconFetcher{})

	newName := "新名称"
	src, err := svc.UpdateSource(context.Background(), "source-1", UpdateSourceParams{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	if src.Name != "新名称" {
		t.Errorf("Name = %q, want %q", src.Name, "新名称")
	}
	if src.URL != "https://example.com/feed.xml" {
		t.Error("URLが変わってしまった")
	}
	if src.ETag != `"abc123"` {
		t.Error("URLを変えない更新でETagが消えた")
	}
	if det.calls != 0 {
		t.Errorf("URLを変えない更新で検出が走った: %d回", det.calls)
	}
	if repo.calls["Update"] != 1 {
		t.Errorf("Update呼び出し回数 = %d, want 1", repo.calls["Update"])
	}
}

func TestUpdateSource_URLChangeResetsPollState(t *testing.T) {
	repo := newFakeSourceRepo(&model.Source{
		ID:           "source-1",
		Name:         "テストソース",
		URL:          "https://example.com/old-feed.xml",
		ETag:         `"abc123"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
		NextPollAt:   time.Now().Add(24 * time.Hour),
	})
	det := &stubDetector{feedURL: "https://example.com/new-feed.xml"}
	svc := NewService(repo, det, &stubFaviconFetcher{})

	newURL := "https://example.com/new"
	src, err := svc.UpdateSource(context.Background(), "source-1", UpdateSourceParams{URL: &newURL})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	if src.URL != "https://example.com/new-feed.xml" {
		t.Errorf("URL = %q, want 再検出されたフィードURL", src.URL)
	}
	if src.ETag != "" || src.LastModified != "" {
		t.Error("URL変更で条件付きGETの検証子は破棄されるべき")
	}
	if src.NextPollAt.After(time.Now()) {
		t.Error("URL変更後は次回ポーリングが即時に予定されるべき")
	}
	if det.calls != 1 {
		t.Errorf("検出回数 = %d, want 1", det.calls)
	}
}

func TestUpdateSource_SameURLSkipsRedetection(t *testing.T) {
	current := "https://example.com/feed.xml"
	repo := newFakeSourceRepo(&model.Source{ID: "source-1", URL: current, ETag: `"keep"`})
	det := &stubDetector{}
	svc := NewService(repo, det, &stubFaviconFetcher{})

	src, err := svc.UpdateSource(context.Background(), "source-1", UpdateSourceParams{URL: &current})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	if det.calls != 0 {
		t.Errorf("同一URLの指定で検出が走った: %d回", det.calls)
	}
	if src.ETag != `"keep"` {
		t.Error("同一URLの指定でETagが破棄された")
	}
}

func TestUpdateSource_URLChangeToExistingSourceFails(t *testing.T) {
	other := &model.Source{ID: "source-2", URL: "https://other.example.com/feed.xml"}
	repo := newFakeSourceRepo(
		&model.Source{ID: "source-1", URL: "https://example.com/feed.xml"},
		other,
	)
	det := &stubDetector{feedURL: other.URL}
	svc := NewService(repo, det, &stubFaviconFetcher{})

	newURL := "https://other.example.com"
	_, err := svc.UpdateSource(context.Background(), "source-1", UpdateSourceParams{URL: &newURL})
	wantAPIError(t, err, model.ErrCodeDuplicateSource)
}

func TestUpdateSource_ConfigIsReplacedWhole(t *testing.T) {
	repo := newFakeSourceRepo(&model.Source{
		ID:     "source-1",
		URL:    "https://example.com/feed.xml",
		Config: map[string]any{"enabled": false},
	})
	svc := NewService(repo, &stubDetector{}, &stubFaviconFetcher{})

	newConfig := map[string]any{
		"autoGenerate": true,
		"promptTone":   "formal", // 未知のキーもそのまま保存される
	}
	src, err := svc.UpdateSource(context.Background(), "source-1", UpdateSourceParams{Config: newConfig})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}

	if src.Config["autoGenerate"] != true || src.Config["promptTone"] != "formal" {
		t.Errorf("Config = %v, want 新しいマッピング全体", src.Config)
	}
	if _, ok := src.Config["enabled"]; ok {
		t.Error("旧Configのキーが残っている")
	}
}

func TestDeleteSource_RemovesSource(t *testing.T) {
	repo := newFakeSourceRepo(&model.Source{ID: "source-1", URL: "https://example.com/feed.xml"})
	svc := NewService(repo, &stubDetector{}, &stubFaviconFetcher{})

	if err := svc.DeleteSource(context.Background(), "source-1"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if repo.calls["Delete"] != 1 {
		t.Errorf("Delete呼び出し回数 = %d, want 1", repo.calls["Delete"])
	}
}

// TestSourceOperations_NotFound は取得・更新・削除が存在しないIDに対して
// 揃ってSOURCE_NOT_FOUNDを返すことを検証する。
func TestSourceOperations_NotFound(t *testing.T) {
	svc := NewService(newFakeSourceRepo(), &stubDetector{}, &stubFaviconFetcher{})
	ctx := context.Background()
	name := "新名称"

	tests := []struct {
		name string
		call func() error
	}{
		{"取得", func() error { _, err := svc.GetSource(ctx, "missing"); return err }},
		{"更新", func() error {
			_, err := svc.UpdateSource(ctx, "missing", UpdateSourceParams{Name: &name})
			return err
		}},
		{"削除", func() error { return svc.DeleteSource(ctx, "missing") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantAPIError(t, tt.call(), model.ErrCodeSourceNotFound)
		})
	}
}

// allowAllSSRFGuard はテスト用に全URLを許可するSSRFガード。
// httptestサーバーはループバックで起動するため、検証を通過させる必要がある。
type allowAllSSRFGuard struct{}

func (g *allowAllSSRFGuard) ValidateURL(_ string) error { return nil }

func (g *allowAllSSRFGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

// TestCreateSource_WithRealDetector はHTTPサーバーと実際のfeed.Detectorを組み合わせ、
// HTMLのlink要素からフィードを見つけて登録できることを検証する。
func TestCreateSource_WithRealDetector(t *testing.T) {
	var serverURL string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head>
				<link rel="alternate" type="application/rss+xml" href="%s/feed.xml">
			</head><body></body></html>`, serverURL)
		case "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprint(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Test</title></channel></rss>`)
		}
	}))
	t.Cleanup(server.Close)
	serverURL = server.URL

	repo := newFakeSourceRepo()
	svc := NewService(repo, feed.NewDetector(&allowAllSSRFGuard{}), &stubFaviconFetcher{})

	src, err := svc.CreateSource(context.Background(), "結合テスト", server.URL+"/", nil)
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if src.URL != server.URL+"/feed.xml" {
		t.Errorf("URL = %q, want %q", src.URL, server.URL+"/feed.xml")
	}
}
