package executor

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ignatij/scoutflow/pkg/models"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/pkg/errors"
)

const (
	defaultOpenAIURL  = "https://api.openai.com/v1"
	defaultImageModel = "dall-e-3"
	defaultImageSize  = "1024x1024"
)

// GenerateImage creates an illustration with the OpenAI images API.
type GenerateImage struct {
	Client  *Client
	APIKey  string
	BaseURL string
	Model   string
}

func NewGenerateImage(client *Client, apiKey, baseURL, model string) *GenerateImage {
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	if model == "" {
		model = defaultImageModel
	}
	return &GenerateImage{Client: client, APIKey: apiKey, BaseURL: strings.TrimRight(baseURL, "/"), Model: model}
}

func (g *GenerateImage) Execute(ctx context.Context, step models.StepDefinition, rc service.RunContext) (models.StepOutput, error) {
	if g.APIKey == "" {
		return models.StepOutput{}, service.Permanent(errors.New("image generation requires OPENAI_API_KEY"))
	}
	prompt := strings.TrimSpace(step.Input.Prompt)
	if prompt == "" {
		prompt = rc.Goal
	}
	if prompt == "" {
		return models.StepOutput{}, service.Permanent(errors.New("image prompt is required"))
	}
	prompt = fmt.Sprintf("An editorial illustration for a research report about: %s", prompt)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.APIKey)
	body := map[string]interface{}{
		"model":  g.Model,
		"prompt": prompt,
		"n":      1,
		"size":   defaultImageSize,
	}

	var resp struct {
		Data []struct {
			URL           string `json:"url"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := g.Client.PostJSON(ctx, g.BaseURL+"/images/generations", header, body, &resp); err != nil {
		return models.StepOutput{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return models.StepOutput{}, service.Permanent(errors.New("no image generated"))
	}
	return models.StepOutput{Image: &models.GeneratedImageOutput{
		Prompt:        prompt,
		URL:           resp.Data[0].URL,
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}}, nil
}
