package utils

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TextRule 返回 s 违反的规则名: "required" 或 "max"; 通过时返回 ""
// 长度按字符计数, 只含空白的文本视为空
func TextRule(s string, maxLen int) string {
	err := validate.Var(strings.TrimSpace(s), "required")
	if err == nil {
		err = validate.Var(s, "max="+strconv.Itoa(maxLen))
	}
	if err == nil {
		return ""
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Tag()
	}
	return "invalid"
}
