package gateway

// Коды результата, которые шлюз возвращает по завершённому push-запросу.
const (
	ResultCodeSuccess           = 0
	ResultCodeInsufficientFunds = 1
	ResultCodeExpired           = 1019
	ResultCodeCancelledByPayer  = 1032
	ResultCodeUnreachable       = 1037
	ResultCodeWrongPIN          = 2001
)

// ReasonForCode переводит код отказа шлюза в текст для оператора.
// Сопоставление справочное и не влияет на поток управления.
func ReasonForCode(code int) string {
	switch code {
	case ResultCodeInsufficientFunds:
		return "insufficient funds"
	case ResultCodeExpired:
		return "request expired"
	case ResultCodeCancelledByPayer:
		return "cancelled by payer"
	case ResultCodeUnreachable:
		return "payer unreachable, request timed out"
	case ResultCodeWrongPIN:
		return "wrong authorization PIN"
	default:
		return "payment declined"
	}
}
