package i18n

import "strings"

var portuguese = map[string]string{
	"invalid request":                         "requisição inválida",
	"username and password are required":      "usuário e senha são obrigatórios",
	"invalid username or password":            "usuário ou senha inválidos",
	"failed to generate token":                "erro ao gerar token",
	"missing authorization token":             "token de autorização ausente",
	"invalid token":                           "token inválido",
	"failed to validate user":                 "erro ao validar usuário",
	"user not found":                          "usuário não encontrado",
	"unauthorized":                            "não autorizado",
	"admin access required":                   "acesso restrito a administradores",
	"access denied":                           "acesso negado",
	"username already exists":                 "nome de usuário já existe",
	"password must be at least 6 characters":  "a senha deve ter pelo menos 6 caracteres",
	"username must be at most 64 characters":  "o nome de usuário deve ter no máximo 64 caracteres",
	"user id is required":                     "o ID do usuário é obrigatório",
	"invalid user id":                         "ID de usuário inválido",
	"status must be active or inactive":       "o status deve ser active ou inactive",
	"invalid user type":                       "tipo de usuário inválido",
	"failed to create user":                   "erro ao criar usuário",
	"failed to delete user":                   "erro ao excluir usuário",
	"failed to fetch users":                   "erro ao buscar usuários",
	"failed to update user status":            "erro ao atualizar status do usuário",
	"failed to update password":               "erro ao atualizar senha",
	"failed to create admin":                  "erro ao criar administrador",
	"admin bootstrap is disabled":             "criação de administrador desabilitada",
	"conversation not found or access denied": "conversa não encontrada ou acesso negado",
	"message not found":                       "mensagem não encontrada",
	"failed to delete conversation":           "erro ao excluir conversa",
	"failed to delete message":                "erro ao excluir mensagem",
	"failed to fetch conversations":           "erro ao buscar conversas",
	"failed to search conversations":          "erro ao pesquisar conversas",
	"failed to count conversations":           "erro ao contar conversas",
	"search query is required":                "o termo de busca é obrigatório",
	"invalid conversations payload":           "dados de conversas inválidos",
	"failed to save conversations":            "erro ao salvar conversas",
	"conversation belongs to another user":    "a conversa pertence a outro usuário",
	"file is required":                        "arquivo é obrigatório",
	"file too large":                          "arquivo muito grande",
	"no valid messages found in chat file":    "nenhuma mensagem válida encontrada no arquivo",
	"invalid csv file":                        "arquivo CSV inválido",
	"failed to clear data":                    "erro ao limpar dados",
	"failed to load metrics":                  "erro ao carregar métricas",
	"rate limiter error":                      "erro no limitador de requisições",
	"rate limit exceeded":                     "limite de requisições excedido",
	"internal server error":                   "erro interno do servidor",
	"not found":                               "não encontrado",
	"websocket upgrade failed":                "falha ao abrir conexão websocket",
	"database unavailable":                    "banco de dados indisponível",
}

var portuguesePrefixes = map[string]string{
	"failed to hash password:": "erro ao processar senha",
	"failed to query user:":    "erro ao consultar usuário",
	"failed to sign token:":    "erro ao assinar token",
	"failed to parse token:":   "token inválido",
	"missing column":           "coluna obrigatória ausente no CSV",
}

// Translate returns message in the requested locale. English is the source
// language, so unknown locales and unknown messages come back unchanged.
func Translate(locale, message string) string {
	if !isPortuguese(locale) {
		return message
	}
	if translated, ok := portuguese[message]; ok {
		return translated
	}
	for prefix, translated := range portuguesePrefixes {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

func isPortuguese(locale string) bool {
	locale = strings.ToLower(strings.TrimSpace(locale))
	return locale == "pt" || strings.HasPrefix(locale, "pt-") || strings.HasPrefix(locale, "pt_")
}
