package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxplatform/controlplane/internal/apperr"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"my-sandbox", false},
		{"a", false},
		{"", true},
		{"Has-Upper", true},
		{"-leading-hyphen", true},
		{"trailing-hyphen-", true},
		{"under_score", true},
	}
	for _, c := range cases {
		err := ValidateName(c.name)
		if c.wantErr {
			assert.Error(t, err, c.name)
		} else {
			assert.NoError(t, err, c.name)
		}
	}

	err := ValidateName(string(make([]byte, 64)))
	assert.Error(t, err)
}

func TestValidateImage(t *testing.T) {
	assert.NoError(t, ValidateImage("python:3.11-slim"))
	assert.NoError(t, ValidateImage("ghcr.io/org/app:latest"))
	assert.NoError(t, ValidateImage("MyRegistry/Img:Tag"))
	assert.Error(t, ValidateImage(""))
	assert.Error(t, ValidateImage("has a space/not-ok"))
	assert.Error(t, ValidateImage(strings.Repeat("a", 501)))
}

func TestValidateCPU(t *testing.T) {
	assert.NoError(t, ValidateCPU(0.25))
	assert.NoError(t, ValidateCPU(4.0))
	assert.NoError(t, ValidateCPU(1.5))
	assert.Error(t, ValidateCPU(0.1))
	assert.Error(t, ValidateCPU(4.5))
}

func TestValidateMemoryMB(t *testing.T) {
	assert.NoError(t, ValidateMemoryMB(128))
	assert.NoError(t, ValidateMemoryMB(2048))
	assert.Error(t, ValidateMemoryMB(64))
	assert.Error(t, ValidateMemoryMB(4096))
}

func TestValidatePorts(t *testing.T) {
	assert.NoError(t, ValidatePorts(nil))
	assert.NoError(t, ValidatePorts([]PortSpec{{Container: 8080, Host: 1024}}))
	assert.NoError(t, ValidatePorts([]PortSpec{{Container: 8080}})) // host optional

	assert.Error(t, ValidatePorts([]PortSpec{{Container: 0}}))
	assert.Error(t, ValidatePorts([]PortSpec{{Container: 8080, Host: 80}})) // below 1024

	tooMany := make([]PortSpec, 11)
	for i := range tooMany {
		tooMany[i] = PortSpec{Container: 8000 + i}
	}
	assert.Error(t, ValidatePorts(tooMany))
}

func TestValidateSecretKey(t *testing.T) {
	assert.NoError(t, ValidateSecretKey("API_KEY"))
	assert.NoError(t, ValidateSecretKey("_UNDERSCORE_FIRST"))
	assert.Error(t, ValidateSecretKey(""))
	assert.Error(t, ValidateSecretKey("lowercase"))
	assert.Error(t, ValidateSecretKey("1STARTSWITHDIGIT"))
}

func TestValidateTTLSeconds(t *testing.T) {
	assert.NoError(t, ValidateTTLSeconds(60))
	assert.NoError(t, ValidateTTLSeconds(604800))
	assert.Error(t, ValidateTTLSeconds(59))
	assert.Error(t, ValidateTTLSeconds(604801))
}

func TestValidationErrorsCarryValidationKind(t *testing.T) {
	err := ValidateCPU(100)
	appErr, ok := apperr.As(err)
	if assert.True(t, ok) {
		assert.Equal(t, apperr.KindValidation, appErr.Kind)
	}
}
