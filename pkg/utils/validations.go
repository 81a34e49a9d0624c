package utils

import (
	"strings"
	"unicode"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidations adds gateway-specific rules to gin's binding
// validator. Call once at startup.
func RegisterCustomValidations() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterValidation("isphone", IsValidPhone)
	v.RegisterValidation("isjid", IsValidJID)
}

// IsValidPhone accepts E.164-style numbers: optional +, 7 to 15 digits.
func IsValidPhone(fl validator.FieldLevel) bool {
	phone := strings.TrimSpace(fl.Field().String())
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) < 7 || len(phone) > 15 {
		return false
	}
	for _, char := range phone {
		if !unicode.IsDigit(char) {
			return false
		}
	}
	return true
}

// IsValidJID accepts chat addresses of the form <user>@<server>.
func IsValidJID(fl validator.FieldLevel) bool {
	jid := strings.TrimSpace(fl.Field().String())
	at := strings.Index(jid, "@")
	return at > 0 && at < len(jid)-1
}
