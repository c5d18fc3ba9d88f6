package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

const defaultGitHubURL = "https://api.github.com"

// RepoSearch queries GitHub's repository search. A token is optional but
// raises the rate limit.
type RepoSearch struct {
	Client  *Client
	Token   string
	BaseURL string
}

func NewRepoSearch(client *Client, token string) *RepoSearch {
	return &RepoSearch{Client: client, Token: token, BaseURL: defaultGitHubURL}
}

func (s *RepoSearch) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	query := queryFor(step, rc)
	if query == "" {
		return models.StepOutput{}, service.Permanent(errors.New("repository search query is required"))
	}

	u := fmt.Sprintf("%s/search/repositories?q=%s&sort=stars&order=desc&per_page=%d",
		strings.TrimRight(s.BaseURL, "/"), url.QueryEscape(query), limitFor(step))
	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}

	var resp struct {
		Items []struct {
			FullName        string `json:"full_name"`
			HTMLURL         string `json:"html_url"`
			Description     string `json:"description"`
			StargazersCount int    `json:"stargazers_count"`
			Language        string `json:"language"`
		} `json:"items"`
	}
	if err := s.Client.GetJSON(ctx, u, header, &resp); err != nil {
		var execErr *service.ExecutionError
		var status *StatusError
		// GitHub signals an exhausted rate limit with 403
		if errors.As(err, &execErr) && errors.As(err, &status) && status.Code == http.StatusForbidden &&
			strings.Contains(strings.ToLower(status.Body), "rate limit") {
			execErr.Retryable = true
		}
		return models.StepOutput{}, err
	}

	repos := make([]models.Repository, 0, len(resp.Items))
	for _, r := range resp.Items {
		repos = append(repos, models.Repository{
			FullName:    r.FullName,
			URL:         r.HTMLURL,
			Description: r.Description,
			Stars:       r.StargazersCount,
			Language:    r.Language,
		})
	}
	return models.StepOutput{Repos: &models.RepoSearchOutput{Query: query, Repositories: repos}}, nil
}
