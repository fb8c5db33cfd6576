package ability

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"

	xerrors "Vincent/internal/errors"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	amountPattern  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// FieldKind 是参数字段的类型约束。
type FieldKind string

const (
	// FieldAddress 必须是 0x 开头的 40 位十六进制地址。
	FieldAddress FieldKind = "address"
	// FieldAmount 必须是严格大于零的十进制数字串。
	FieldAmount FieldKind = "amount"
	// FieldAmountOrZero 允许为零的十进制数字串。
	FieldAmountOrZero FieldKind = "amount_or_zero"
	// FieldUint 必须是非负整数。
	FieldUint FieldKind = "uint"
	// FieldString 任意非空字符串。
	FieldString FieldKind = "string"
)

// Field 描述参数表中的一个字段。
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// Schema 是能力的入参契约。校验发生在任何链交互之前，
// 不合法的入参属于输入校验失败，不属于预检失败。
type Schema struct {
	Fields []Field
}

// Validate 逐字段校验入参。返回首个违反约束的字段错误。
func (s Schema) Validate(params map[string]string) error {
	for _, field := range s.Fields {
		raw, ok := params[field.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			if field.Required {
				return xerrors.New(xerrors.CodeSchemaValidation, "缺少必填参数: "+field.Name,
					xerrors.WithMetadata("field", field.Name),
				)
			}
			continue
		}
		if err := validateField(field, raw); err != nil {
			return err
		}
	}
	return nil
}

func validateField(field Field, raw string) error {
	switch field.Kind {
	case FieldAddress:
		if !addressPattern.MatchString(raw) {
			return schemaError(field.Name, "不是合法的以太坊地址", raw)
		}
	case FieldAmount:
		if !amountPattern.MatchString(raw) {
			return schemaError(field.Name, "不是合法的十进制数字", raw)
		}
		value, ok := new(big.Float).SetString(raw)
		if !ok || value.Sign() <= 0 {
			return schemaError(field.Name, "必须大于零", raw)
		}
	case FieldAmountOrZero:
		if !amountPattern.MatchString(raw) {
			return schemaError(field.Name, "不是合法的十进制数字", raw)
		}
	case FieldUint:
		if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
			return schemaError(field.Name, "不是合法的非负整数", raw)
		}
	case FieldString:
		// 非空已在上层保证。
	default:
		return schemaError(field.Name, "未知的字段类型", string(field.Kind))
	}
	return nil
}

func schemaError(field, reason, raw string) error {
	return xerrors.New(xerrors.CodeSchemaValidation, "参数 "+field+" "+reason,
		xerrors.WithMetadata("field", field),
		xerrors.WithMetadata("value", raw),
	)
}

// ValidAddress 报告字符串是否为 0x 开头的 40 位十六进制地址。
func ValidAddress(raw string) bool {
	return addressPattern.MatchString(raw)
}

// ValidTxHash 报告字符串是否为 0x 开头的 64 位十六进制哈希。
func ValidTxHash(raw string) bool {
	return txHashPattern.MatchString(raw)
}
