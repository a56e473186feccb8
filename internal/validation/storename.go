package validation

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

// StoreNamePattern определяет допустимый формат имени хранилища
// Латинские буквы, цифры, '_', '-' и '.'; первый символ - буква
// Длина: 1-64 символа
var StoreNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-]{0,63}$`)

const (
	// MaxStoreNameLen максимальная длина имени хранилища
	MaxStoreNameLen = 64
)

// ValidateStoreName проверяет, что имя хранилища соответствует требованиям
func ValidateStoreName(name string) error {
	if name == "" {
		return fmt.Errorf("store name cannot be empty")
	}

	if len(name) > MaxStoreNameLen {
		return fmt.Errorf("store name must not exceed %d characters", MaxStoreNameLen)
	}

	if !StoreNamePattern.MatchString(name) {
		return fmt.Errorf("store name %q can only contain letters, digits, '_', '-' and '.' and must start with a letter", name)
	}

	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator возвращает общий экземпляр validator с зарегистрированным тегом "storename"
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("storename", func(fl validator.FieldLevel) bool {
			return ValidateStoreName(fl.Field().String()) == nil
		})
		validate = v
	})
	return validate
}

// Struct валидирует структуру по тегам validate
func Struct(s any) error {
	return Validator().Struct(s)
}
