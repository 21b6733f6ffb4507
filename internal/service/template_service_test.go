package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
)

func TestTemplateService_Render(t *testing.T) {
	tests := []struct {
		name     string
		template string
		customer *models.Customer
		want     string
		wantErr  bool
	}{
		{
			name:     "all fields present",
			template: "Hi {first_name}, check out {preferred_product} in {location}!",
			customer: &models.Customer{
				FirstName:        "Alice",
				PreferredProduct: "Running Shoes",
				Location:         "Nairobi",
			},
			want: "Hi Alice, check out Running Shoes in Nairobi!",
		},
		{
			name:     "missing field renders empty",
			template: "Hi {first_name}, welcome!",
			customer: &models.Customer{},
			want:     "Hi , welcome!",
		},
		{
			name:     "repeated placeholder",
			template: "{first_name}? yes {first_name}",
			customer: &models.Customer{FirstName: "Bob"},
			want:     "Bob? yes Bob",
		},
		{
			name:     "unknown placeholder",
			template: "Hi {nickname}",
			customer: &models.Customer{},
			wantErr:  true,
		},
		{
			name:     "renders to blank",
			template: "{first_name}",
			customer: &models.Customer{},
			wantErr:  true,
		},
		{
			name:     "nil customer",
			template: "Hello",
			wantErr:  true,
		},
	}

	svc := NewTemplateService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Render(tt.template, tt.customer)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, models.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateService_RenderRejectsOversizedPayload(t *testing.T) {
	svc := NewTemplateService()
	customer := &models.Customer{FirstName: strings.Repeat("x", models.MaxPayloadLength)}

	_, err := svc.Render("Hi {first_name}", customer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestTemplateService_ValidateTemplate(t *testing.T) {
	svc := NewTemplateService()

	assert.NoError(t, svc.ValidateTemplate("{first_name} {last_name} {phone}"))

	err := svc.ValidateTemplate("{first_name} {age} {age} {city}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid placeholders: age, city.")

	assert.Error(t, svc.ValidateTemplate("   "))
}
