package validation

import (
	"fmt"
	"regexp"
)

// SubjectPattern определяет допустимый формат идентификатора клиента в токене
// Латинские буквы, цифры, '_', '-', '@' и '.'; длина 3-64 символа
var SubjectPattern = regexp.MustCompile(`^[a-zA-Z0-9_.@\-]{3,64}$`)

// ValidateSubject проверяет идентификатор клиента, для которого выпускается токен
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}

	if !SubjectPattern.MatchString(subject) {
		return fmt.Errorf("subject %q must be 3-64 characters of letters, digits, '_', '-', '@' or '.'", subject)
	}

	return nil
}
