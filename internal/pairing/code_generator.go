package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	coreerrors "signage-core/internal/core/errors"
)

const (
	// CodeCharset 配对码字符集，去掉了易混淆的 I、O、0、1
	CodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	DefaultCodeLength = 6
	MinCodeLength     = 6
	MaxCodeLength     = 8

	maxGenerateAttempts = 100
)

// CodeGenerator 配对码生成器
// 职责：生成屏幕上展示、便于人工输入的短码（如 K7XM3P）
type CodeGenerator struct {
	length int
}

// NewCodeGenerator 创建配对码生成器，长度超出 [6, 8] 时返回错误
func NewCodeGenerator(length int) (*CodeGenerator, error) {
	if length == 0 {
		length = DefaultCodeLength
	}
	if length < MinCodeLength || length > MaxCodeLength {
		return nil, coreerrors.Newf(coreerrors.CodeConfigError,
			"pairing code length %d out of range [%d, %d]", length, MinCodeLength, MaxCodeLength)
	}
	return &CodeGenerator{length: length}, nil
}

// Length 配对码长度
func (g *CodeGenerator) Length() int {
	return g.length
}

// Generate 生成一个配对码
func (g *CodeGenerator) Generate() (string, error) {
	charsetLen := big.NewInt(int64(len(CodeCharset)))
	code := make([]byte, g.length)
	for i := range code {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		code[i] = CodeCharset[idx.Int64()]
	}
	return string(code), nil
}

// GenerateUnique 生成唯一配对码
// claim 尝试占用该码，返回 false 表示已被占用
func (g *CodeGenerator) GenerateUnique(claim func(code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := g.Generate()
		if err != nil {
			return "", fmt.Errorf("failed to generate code (attempt %d): %w", attempt+1, err)
		}

		ok, err := claim(code)
		if err != nil {
			return "", fmt.Errorf("failed to claim code (attempt %d): %w", attempt+1, err)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", maxGenerateAttempts)
}

// NormalizeCode 去掉首尾空白并转为大写
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode 校验配对码格式
// 只要求大写字母与数字，字符集限制仅作用于生成
func ValidateCode(code string) error {
	if len(code) < MinCodeLength || len(code) > MaxCodeLength {
		return coreerrors.Newf(coreerrors.CodeValidationError,
			"invalid code length %d", len(code))
	}
	for _, ch := range code {
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return coreerrors.Newf(coreerrors.CodeValidationError,
				"invalid character '%c' in code", ch)
		}
	}
	return nil
}
