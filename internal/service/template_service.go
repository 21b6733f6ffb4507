package service

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// customer fields a campaign template may reference
var placeholderFields = map[string]func(*models.Customer) string{
	"first_name":        func(c *models.Customer) string { return c.FirstName },
	"last_name":         func(c *models.Customer) string { return c.LastName },
	"location":          func(c *models.Customer) string { return c.Location },
	"preferred_product": func(c *models.Customer) string { return c.PreferredProduct },
	"phone":             func(c *models.Customer) string { return c.Phone },
}

// TemplateService renders campaign templates into per-recipient payloads
type TemplateService interface {
	Render(template string, customer *models.Customer) (string, error)
	ValidateTemplate(template string) error
}

type templateService struct{}

// NewTemplateService creates a new template service
func NewTemplateService() TemplateService {
	return templateService{}
}

// Render substitutes customer fields into template. Missing values render
// empty; an unknown placeholder or an oversized payload is a validation error.
func (s templateService) Render(template string, customer *models.Customer) (string, error) {
	if customer == nil {
		return "", models.ErrInvalidInput("customer cannot be nil")
	}
	if err := s.ValidateTemplate(template); err != nil {
		return "", err
	}

	payload := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		return placeholderFields[strings.Trim(match, "{}")](customer)
	})

	if strings.TrimSpace(payload) == "" {
		return "", models.ErrInvalidInput("rendered payload is empty")
	}
	if len(payload) > models.MaxPayloadLength {
		return "", models.ErrInvalidInput(fmt.Sprintf("rendered payload exceeds %d bytes", models.MaxPayloadLength))
	}
	return payload, nil
}

// ValidateTemplate rejects empty templates and unknown placeholders
func (s templateService) ValidateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return models.ErrInvalidInput("template cannot be empty")
	}

	var unknown []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := placeholderFields[match[1]]; !ok && !slices.Contains(unknown, match[1]) {
			unknown = append(unknown, match[1])
		}
	}

	if len(unknown) > 0 {
		return models.ErrInvalidInput(fmt.Sprintf(
			"invalid placeholders: %s. Valid placeholders are: first_name, last_name, location, preferred_product, phone",
			strings.Join(unknown, ", "),
		))
	}
	return nil
}
