package flows

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MrEthical07/authcore/internal/failure"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterInput is a new password account.
type RegisterInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"omitempty,max=100"`
}

// LoginInput is an email + password sign-in.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// ResetInput completes a link-based password reset.
type ResetInput struct {
	Token       string `json:"token" validate:"required,max=256"`
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

// ResetWithCodeInput completes a code-based password reset.
type ResetWithCodeInput struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Code        string `json:"code" validate:"required,numeric,len=6"`
	NewPassword string `json:"newPassword" validate:"required,max=128"`
}

// ChangePasswordInput replaces a known password.
type ChangePasswordInput struct {
	Current string `json:"currentPassword" validate:"required,max=128"`
	Next    string `json:"newPassword" validate:"required,max=128"`
}

// VerifyEmailInput consumes an email verification code.
type VerifyEmailInput struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,numeric,len=6"`
}

// validateInput returns the first failing field as a *failure.ValidationError.
func validateInput(in any) error {
	return translate(validate.Struct(in), "")
}

func validateEmail(email string) error {
	return translate(validate.Var(email, "required,email,max=254"), "email")
}

func translate(err error, field string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		name := first.Field()
		if name == "" {
			name = field
		}
		return &failure.ValidationError{Field: name, Rule: first.Tag()}
	}
	return &failure.ValidationError{Field: field}
}
