package utils

import (
	"regexp"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// primary language subtag plus optional alphanumeric subtags, e.g.
// "bo", "en-US", "zh-Hant-TW"
var langTagRe = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{1,8})*$`)

// RegisterValidators installs custom binding validations on gin's engine.
// Call once before routes are registered.
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("langtag", func(fl validator.FieldLevel) bool {
			return langTagRe.MatchString(fl.Field().String())
		})
	}
}
