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

const defaultPexelsURL = "https://api.pexels.com"

// ImageSearch finds photos on Pexels.
type ImageSearch struct {
	Client  *Client
	APIKey  string
	BaseURL string
}

func NewImageSearch(client *Client, apiKey string) *ImageSearch {
	return &ImageSearch{Client: client, APIKey: apiKey, BaseURL: defaultPexelsURL}
}

func (s *ImageSearch) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	if s.APIKey == "" {
		return models.StepOutput{}, service.Permanent(errors.New("image search requires PEXELS_API_KEY"))
	}
	query := queryFor(step, rc)
	if query == "" {
		return models.StepOutput{}, service.Permanent(errors.New("image search query is required"))
	}

	u := fmt.Sprintf("%s/v1/search?query=%s&per_page=%d", strings.TrimRight(s.BaseURL, "/"), url.QueryEscape(query), limitFor(step))
	header := http.Header{}
	header.Set("Authorization", s.APIKey)

	var resp struct {
		Photos []struct {
			ID           int64  `json:"id"`
			URL          string `json:"url"`
			Photographer string `json:"photographer"`
			Alt          string `json:"alt"`
			Src          struct {
				Medium string `json:"medium"`
				Large  string `json:"large"`
			} `json:"src"`
		} `json:"photos"`
	}
	if err := s.Client.GetJSON(ctx, u, header, &resp); err != nil {
		return models.StepOutput{}, err
	}

	photos := make([]models.Photo, 0, len(resp.Photos))
	for _, p := range resp.Photos {
		src := p.Src.Large
		if src == "" {
			src = p.Src.Medium
		}
		photos = append(photos, models.Photo{
			ID:           p.ID,
			URL:          p.URL,
			Photographer: p.Photographer,
			Alt:          p.Alt,
			Src:          src,
		})
	}
	return models.StepOutput{Images: &models.ImageSearchOutput{Query: query, Photos: photos}}, nil
}
