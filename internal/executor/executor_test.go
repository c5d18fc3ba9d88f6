package executor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/scoutflow/internal/config"
	"github.com/ignatij/scoutflow/internal/log"
	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient("test", 0, 5*time.Second)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestClient_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		message   string
	}{
		{name: "Server error", status: http.StatusBadGateway, retryable: true},
		{name: "Rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "Unauthorized", status: http.StatusUnauthorized, retryable: false, message: "test api error: 401 invalid key"},
		{name: "Bad request", status: http.StatusBadRequest, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]interface{}{"error": map[string]string{"message": "invalid key"}})
			}))
			defer srv.Close()

			var out map[string]interface{}
			err := testClient().GetJSON(context.Background(), srv.URL, nil, &out)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, service.IsRetryable(err))

			var status *StatusError
			require.True(t, errors.As(err, &status))
			assert.Equal(t, tt.status, status.Code)
			if tt.message != "" {
				assert.EqualError(t, err, tt.message)
			}
		})
	}

	t.Run("Network failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		var out map[string]interface{}
		err := testClient().GetJSON(context.Background(), url, nil, &out)
		require.Error(t, err)
		assert.True(t, service.IsRetryable(err))
	})

	t.Run("Malformed body is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()

		var out map[string]interface{}
		err := testClient().GetJSON(context.Background(), srv.URL, nil, &out)
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))
	})
}

func TestClient_RateLimit(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusOK, map[string]string{})
	}))
	defer srv.Close()

	client := NewClient("slow", 0.5, time.Second)
	var out map[string]string
	require.NoError(t, client.GetJSON(context.Background(), srv.URL, nil, &out))

	// the next token is two seconds away
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.GetJSON(ctx, srv.URL, nil, &out)
	require.Error(t, err)
	assert.True(t, service.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestWebSearch(t *testing.T) {
	step := models.StepDefinition{Index: 0, Type: models.SearchStepType, Input: models.StepInput{Query: "parks in Lisbon", Limit: 2}}

	t.Run("Brave", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/res/v1/web/search", r.URL.Path)
			assert.Equal(t, "parks in Lisbon", r.URL.Query().Get("q"))
			assert.Equal(t, "2", r.URL.Query().Get("count"))
			assert.Equal(t, "key", r.Header.Get("X-Subscription-Token"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"web": map[string]interface{}{"results": []map[string]string{
					{"title": "Eduardo VII", "url": "https://a.example", "description": "The <strong>largest</strong> park"},
					{"title": "Estrela", "url": "https://b.example", "description": "Garden"},
					{"title": "Monsanto", "url": "https://c.example", "description": "Forest"},
				}},
			})
		}))
		defer srv.Close()

		ws, err := NewWebSearch(testClient(), "brave", "key", srv.URL)
		require.NoError(t, err)
		out, err := ws.Execute(context.Background(), step, service.RunContext{})
		require.NoError(t, err)
		require.NotNil(t, out.Search)
		assert.Equal(t, "parks in Lisbon", out.Search.Query)
		require.Len(t, out.Search.Results, 2)
		assert.Equal(t, "The largest park", out.Search.Results[0].Snippet)
	})

	t.Run("Tavily", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/search", r.URL.Path)
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "parks in Lisbon", body["query"])
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"results": []map[string]string{{"title": "Estrela", "url": "https://b.example", "content": "Garden"}},
			})
		}))
		defer srv.Close()

		ws, err := NewWebSearch(testClient(), "tavily", "key", srv.URL)
		require.NoError(t, err)
		out, err := ws.Execute(context.Background(), step, service.RunContext{})
		require.NoError(t, err)
		assert.Equal(t, []models.SearchResult{{Title: "Estrela", URL: "https://b.example", Snippet: "Garden"}}, out.Search.Results)
	})

	t.Run("SearXNG falls back to the goal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "gardens", r.URL.Query().Get("q"))
			assert.Equal(t, "json", r.URL.Query().Get("format"))
			writeJSON(w, http.StatusOK, map[string]interface{}{"results": []map[string]string{}})
		}))
		defer srv.Close()

		ws, err := NewWebSearch(testClient(), "searxng", "", srv.URL)
		require.NoError(t, err)
		out, err := ws.Execute(context.Background(), models.StepDefinition{Type: models.SearchStepType}, service.RunContext{Goal: "gardens"})
		require.NoError(t, err)
		assert.Empty(t, out.Search.Results)
		assert.NotNil(t, out.Search.Results)
	})

	t.Run("Configuration errors", func(t *testing.T) {
		_, err := NewWebSearch(testClient(), "altavista", "", "")
		assert.Error(t, err)
		_, err = NewWebSearch(testClient(), "searxng", "", "")
		assert.Error(t, err)

		ws, err := NewWebSearch(testClient(), "brave", "", "")
		require.NoError(t, err)
		_, err = ws.Execute(context.Background(), step, service.RunContext{})
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))

		_, err = ws.Execute(context.Background(), models.StepDefinition{}, service.RunContext{})
		assert.False(t, service.IsRetryable(err))
	})
}

func TestImageSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "pexels-key", r.Header.Get("Authorization"))
		assert.Equal(t, "5", r.URL.Query().Get("per_page"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"photos": []map[string]interface{}{{
				"id": 42, "url": "https://pexels.com/photo/42", "photographer": "Ana", "alt": "Park",
				"src": map[string]string{"large": "https://images.pexels.com/42-large.jpeg", "medium": "https://images.pexels.com/42.jpeg"},
			}},
		})
	}))
	defer srv.Close()

	s := NewImageSearch(testClient(), "pexels-key")
	s.BaseURL = srv.URL
	out, err := s.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Query: "Lisbon park"}}, service.RunContext{})
	require.NoError(t, err)
	require.NotNil(t, out.Images)
	assert.Equal(t, []models.Photo{{
		ID: 42, URL: "https://pexels.com/photo/42", Photographer: "Ana", Alt: "Park", Src: "https://images.pexels.com/42-large.jpeg",
	}}, out.Images.Photos)

	_, err = NewImageSearch(testClient(), "").Execute(context.Background(), models.StepDefinition{}, service.RunContext{Goal: "x"})
	assert.False(t, service.IsRetryable(err))
}

func TestRepoSearch(t *testing.T) {
	t.Run("Results", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/search/repositories", r.URL.Path)
			assert.Equal(t, "Bearer gh", r.Header.Get("Authorization"))
			assert.Equal(t, "stars", r.URL.Query().Get("sort"))
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"items": []map[string]interface{}{{
					"full_name": "lisbon/parks", "html_url": "https://github.com/lisbon/parks",
					"description": "Open data", "stargazers_count": 12, "language": "Go",
				}},
			})
		}))
		defer srv.Close()

		s := NewRepoSearch(testClient(), "gh")
		s.BaseURL = srv.URL
		out, err := s.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Query: "parks"}}, service.RunContext{})
		require.NoError(t, err)
		assert.Equal(t, []models.Repository{{
			FullName: "lisbon/parks", URL: "https://github.com/lisbon/parks", Description: "Open data", Stars: 12, Language: "Go",
		}}, out.Repos.Repositories)
	})

	t.Run("Rate limit 403 is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded for 1.2.3.4"})
		}))
		defer srv.Close()

		s := NewRepoSearch(testClient(), "")
		s.BaseURL = srv.URL
		_, err := s.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Query: "parks"}}, service.RunContext{})
		require.Error(t, err)
		assert.True(t, service.IsRetryable(err))
	})

	t.Run("Validation failure is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed"})
		}))
		defer srv.Close()

		s := NewRepoSearch(testClient(), "")
		s.BaseURL = srv.URL
		_, err := s.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Query: "parks"}}, service.RunContext{})
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))
	})
}

const parkPage = `<!doctype html>
<html><head><title> Parks of   Lisbon </title><style>body{color:red}</style></head>
<body>
<nav>Home | About</nav>
<h1>Parks</h1>
<p>Lisbon has <b>many</b> parks.</p>
<script>var x = 1;</script>
<ul><li>Eduardo VII</li><li>Estrela</li></ul>
<footer>Copyright</footer>
</body></html>`

func TestExtractText(t *testing.T) {
	title, text, err := ExtractText([]byte(parkPage))
	require.NoError(t, err)
	assert.Equal(t, "Parks of Lisbon", title)
	assert.Equal(t, "Parks\nLisbon has many parks.\nEduardo VII\nEstrela", text)
}

func TestFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(parkPage))
	}))
	defer srv.Close()

	t.Run("Uses the latest search result", func(t *testing.T) {
		rc := service.RunContext{Previous: map[int]models.StepOutput{
			0: {Search: &models.SearchOutput{Results: []models.SearchResult{{Title: "Parks", URL: srv.URL + "/parks"}}}},
		}}
		f := NewFetch(testClient())
		f.MaxRunes = 12
		out, err := f.Execute(context.Background(), models.StepDefinition{Type: models.FetchStepType}, rc)
		require.NoError(t, err)
		require.NotNil(t, out.Page)
		assert.Equal(t, srv.URL+"/parks", out.Page.URL)
		assert.Equal(t, "Parks of Lisbon", out.Page.Title)
		assert.Equal(t, "Parks\nLisbon", out.Page.Text)
	})

	t.Run("Nothing to fetch", func(t *testing.T) {
		_, err := NewFetch(testClient()).Execute(context.Background(), models.StepDefinition{}, service.RunContext{})
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))
	})

	t.Run("Unsupported scheme", func(t *testing.T) {
		_, err := NewFetch(testClient()).Execute(context.Background(), models.StepDefinition{Input: models.StepInput{URL: "file:///etc/passwd"}}, service.RunContext{})
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))
	})

	t.Run("Non-public addresses are refused", func(t *testing.T) {
		_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
		require.NoError(t, err)
		targets := []string{
			srv.URL + "/parks",
			"http://localhost:" + port + "/parks",
			"http://[::1]:" + port + "/parks",
			"http://169.254.169.254/latest/meta-data/",
			"http://10.0.0.1/",
		}
		before := atomic.LoadInt32(&hits)
		f := NewFetch(NewPublicClient("fetch", 0, time.Second))
		for _, target := range targets {
			_, err := f.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{URL: target}}, service.RunContext{})
			require.Error(t, err, target)
			assert.ErrorIs(t, err, ErrBlockedAddress, target)
			assert.False(t, service.IsRetryable(err), target)
		}
		assert.Equal(t, before, atomic.LoadInt32(&hits))
	})
}

func TestIsPublicAddr(t *testing.T) {
	tests := []struct {
		addr   string
		public bool
	}{
		{addr: "93.184.216.34", public: true},
		{addr: "2606:2800:220:1:248:1893:25c8:1946", public: true},
		{addr: "127.0.0.1", public: false},
		{addr: "::1", public: false},
		{addr: "10.1.2.3", public: false},
		{addr: "172.16.0.1", public: false},
		{addr: "192.168.1.1", public: false},
		{addr: "169.254.169.254", public: false},
		{addr: "100.100.100.200", public: false},
		{addr: "0.0.0.0", public: false},
		{addr: "fd00::1", public: false},
		{addr: "fe80::1", public: false},
		{addr: "::ffff:127.0.0.1", public: false},
		{addr: "224.0.0.1", public: false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.public, IsPublicAddr(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry(config.Config{SearchProvider: ProviderBrave, StepTimeout: time.Second}, nil, log.GetLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, models.StepTypes, registry.Types())

	executor, err := registry.Lookup(models.FetchStepType)
	require.NoError(t, err)
	fetch, ok := executor.(*Fetch)
	require.True(t, ok)
	_, err = fetch.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{URL: "http://127.0.0.1:1/"}}, service.RunContext{})
	assert.ErrorIs(t, err, ErrBlockedAddress)
}

type fakeCompleter struct {
	reply  string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	f.prompt = user
	return f.reply, f.err
}

func TestSummarize(t *testing.T) {
	rc := service.RunContext{
		Goal: "find 3 parks in Lisbon",
		Previous: map[int]models.StepOutput{
			0: {Search: &models.SearchOutput{Results: []models.SearchResult{
				{Title: "Eduardo VII", URL: "https://a.example", Snippet: "The largest park. Great views."},
				{Title: "Estrela", URL: "https://b.example", Snippet: "Garden"},
			}}},
		},
	}

	t.Run("Extractive", func(t *testing.T) {
		out, err := NewSummarize(nil).Execute(context.Background(), models.StepDefinition{}, rc)
		require.NoError(t, err)
		require.NotNil(t, out.Summary)
		assert.Equal(t, "Findings for \"find 3 parks in Lisbon\":\n- Eduardo VII: The largest park.\n- Estrela: Garden", out.Summary.Text)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, out.Summary.Sources)
	})

	t.Run("With a model", func(t *testing.T) {
		llm := &fakeCompleter{reply: " Eduardo VII and Estrela. "}
		out, err := NewSummarize(llm).Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Prompt: "parks"}}, rc)
		require.NoError(t, err)
		assert.Equal(t, "Eduardo VII and Estrela.", out.Summary.Text)
		assert.Contains(t, llm.prompt, "Goal: parks")
		assert.Contains(t, llm.prompt, "Eduardo VII (https://a.example)")
	})

	t.Run("Model errors pass through", func(t *testing.T) {
		llm := &fakeCompleter{err: service.Transient(errors.New("overloaded"))}
		_, err := NewSummarize(llm).Execute(context.Background(), models.StepDefinition{}, rc)
		require.Error(t, err)
		assert.True(t, service.IsRetryable(err))
	})

	t.Run("Nothing to summarize", func(t *testing.T) {
		_, err := NewSummarize(nil).Execute(context.Background(), models.StepDefinition{}, service.RunContext{Goal: "x"})
		require.Error(t, err)
		assert.False(t, service.IsRetryable(err))
	})

	t.Run("Earlier steps found nothing", func(t *testing.T) {
		empty := service.RunContext{
			Goal: "find 3 parks in Atlantis",
			Previous: map[int]models.StepOutput{
				0: {Search: &models.SearchOutput{Query: "parks Atlantis"}},
				1: {Images: &models.ImageSearchOutput{Query: "parks Atlantis"}},
			},
		}
		for name, llm := range map[string]*fakeCompleter{"Without a model": nil, "With a model": {reply: "unused"}} {
			t.Run(name, func(t *testing.T) {
				summarize := NewSummarize(nil)
				if llm != nil {
					summarize = NewSummarize(llm)
				}
				out, err := summarize.Execute(context.Background(), models.StepDefinition{}, empty)
				require.NoError(t, err)
				require.NotNil(t, out.Summary)
				assert.Equal(t, "No results were found for \"find 3 parks in Atlantis\".", out.Summary.Text)
				assert.Empty(t, out.Summary.Sources)
				if llm != nil {
					assert.Empty(t, llm.prompt)
				}
			})
		}
	})
}

func TestGenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dall-e-3", body["model"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []map[string]string{{"url": "https://img.example/1.png", "revised_prompt": "A sunny park"}},
		})
	}))
	defer srv.Close()

	g := NewGenerateImage(testClient(), "sk", srv.URL+"/v1", "")
	out, err := g.Execute(context.Background(), models.StepDefinition{Input: models.StepInput{Prompt: "parks in Lisbon"}}, service.RunContext{})
	require.NoError(t, err)
	require.NotNil(t, out.Image)
	assert.Equal(t, "https://img.example/1.png", out.Image.URL)
	assert.Equal(t, "A sunny park", out.Image.RevisedPrompt)
	assert.Contains(t, out.Image.Prompt, "parks in Lisbon")

	_, err = NewGenerateImage(testClient(), "", "", "").Execute(context.Background(), models.StepDefinition{}, service.RunContext{Goal: "x"})
	assert.False(t, service.IsRetryable(err))
}
