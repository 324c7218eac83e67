package i18n

import "testing"

func TestTranslate(t *testing.T) {
	tests := []struct {
		locale  string
		message string
		want    string
	}{
		{"en", "user not found", "user not found"},
		{"", "access denied", "access denied"},
		{"pt-BR", "user not found", "usuário não encontrado"},
		{"PT_br", "access denied", "acesso negado"},
		{"pt", "failed to hash password: boom", "erro ao processar senha"},
		{"pt-BR", "missing column: chat_id", "coluna obrigatória ausente no CSV"},
		{"pt-BR", "something unmapped", "something unmapped"},
	}

	for _, tt := range tests {
		if got := Translate(tt.locale, tt.message); got != tt.want {
			t.Errorf("Translate(%q, %q) = %q, want %q", tt.locale, tt.message, got, tt.want)
		}
	}
}
