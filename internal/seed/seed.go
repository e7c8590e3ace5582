// Package seed bootstraps a business with its platforms, topics, prompts
// and competitors from a YAML file.
package seed

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers"
)

type File struct {
	Business Business `yaml:"business"`
}

type Business struct {
	Name              string       `yaml:"name"`
	Domain            string       `yaml:"domain"`
	RefreshPeriodDays int          `yaml:"refresh_period_days"`
	Platforms         []Platform   `yaml:"platforms"`
	Topics            []Topic      `yaml:"topics"`
	Competitors       []Competitor `yaml:"competitors"`
}

// Platform api_key values may reference the environment as ${NAME}.
type Platform struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	WebSearch bool   `yaml:"web_search"`
}

type Topic struct {
	Name    string   `yaml:"name"`
	Prompts []string `yaml:"prompts"`
}

type Competitor struct {
	Name    string `yaml:"name"`
	Website string `yaml:"website"`
}

// Writer is the storage a seed is applied to. *store.Store implements it.
type Writer interface {
	CreateBusiness(ctx context.Context, b *models.Business) error
	CreatePlatform(ctx context.Context, p *models.Platform) error
	CreateTopic(ctx context.Context, t *models.Topic) error
	CreatePrompt(ctx context.Context, p *models.Prompt) error
	CreateCompetitor(ctx context.Context, c *models.Competitor) error
}

// Result counts what Apply created.
type Result struct {
	BusinessID  uuid.UUID
	Platforms   int
	Topics      int
	Prompts     int
	Competitors int
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read seed file %s", path)
	}
	return Parse(data)
}

// Parse decodes data strictly: unknown keys are errors.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, eris.Wrap(err, "failed to decode seed file")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate fills defaults and rejects incomplete entries.
func (f *File) Validate() error {
	b := &f.Business
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return eris.New("business.name is required")
	}
	if b.RefreshPeriodDays == 0 {
		b.RefreshPeriodDays = 1
	}
	if b.RefreshPeriodDays < 1 {
		return eris.Errorf("business.refresh_period_days must be >= 1, got %d", b.RefreshPeriodDays)
	}

	for i := range b.Platforms {
		p := &b.Platforms[i]
		if p.Model == "" {
			return eris.Errorf("platforms[%d].model is required", i)
		}
		if p.Provider == "" {
			p.Provider = providers.ProviderForModel(p.Model)
		}
		if p.Provider == "" {
			return eris.Errorf("platforms[%d]: cannot infer provider for model %q", i, p.Model)
		}
		p.APIKey = os.ExpandEnv(p.APIKey)
	}
	for i, t := range b.Topics {
		if strings.TrimSpace(t.Name) == "" {
			return eris.Errorf("topics[%d].name is required", i)
		}
	}
	for i, c := range b.Competitors {
		if strings.TrimSpace(c.Name) == "" {
			return eris.Errorf("competitors[%d].name is required", i)
		}
	}
	return nil
}

// Apply creates the business and everything under it.
func Apply(ctx context.Context, w Writer, f *File) (*Result, error) {
	b := &models.Business{
		Name:              f.Business.Name,
		Domain:            f.Business.Domain,
		RefreshPeriodDays: f.Business.RefreshPeriodDays,
	}
	if err := w.CreateBusiness(ctx, b); err != nil {
		return nil, eris.Wrap(err, "failed to create business")
	}
	res := &Result{BusinessID: b.ID}

	for _, p := range f.Business.Platforms {
		err := w.CreatePlatform(ctx, &models.Platform{
			BusinessID: b.ID,
			Provider:   p.Provider,
			Model:      p.Model,
			APIKey:     p.APIKey,
			WebSearch:  p.WebSearch,
			IsActive:   true,
		})
		if err != nil {
			return res, eris.Wrapf(err, "failed to create platform %s/%s", p.Provider, p.Model)
		}
		res.Platforms++
	}

	for _, t := range f.Business.Topics {
		topic := &models.Topic{BusinessID: b.ID, Name: t.Name}
		if err := w.CreateTopic(ctx, topic); err != nil {
			return res, eris.Wrapf(err, "failed to create topic %q", t.Name)
		}
		res.Topics++
		for _, text := range t.Prompts {
			if strings.TrimSpace(text) == "" {
				continue
			}
			if err := w.CreatePrompt(ctx, &models.Prompt{BusinessID: b.ID, TopicID: topic.ID, Text: text}); err != nil {
				return res, eris.Wrapf(err, "failed to create prompt in topic %q", t.Name)
			}
			res.Prompts++
		}
	}

	for _, c := range f.Business.Competitors {
		comp := &models.Competitor{BusinessID: b.ID, Name: c.Name, IsActive: true}
		if c.Website != "" {
			site := c.Website
			comp.Website = &site
		}
		if err := w.CreateCompetitor(ctx, comp); err != nil {
			return res, eris.Wrapf(err, "failed to create competitor %q", c.Name)
		}
		res.Competitors++
	}
	return res, nil
}
