// ABOUTME: User-facing message texts and the command words the flow accepts
// ABOUTME: Texts are Portuguese; commands are matched case-insensitively

package conversation

import (
	"fmt"
	"strings"
)

// Command words.
const (
	cmdFaq          = "faq"
	cmdDepartments  = "departamentos"
	cmdAssistant    = "assistente"
	cmdAssistantAlt = "ia"
	cmdAttend       = "atender"
	cmdQueueLength  = "fila"
	cmdBack         = "voltar"
	cmdLeave        = "sair"
	cmdFinish       = "finalizar"
	cmdClose        = "!finalizar"
	cmdCloseFailed  = "!naoresolvido"
)

const (
	msgApology          = "Desculpe, tivemos um problema ao processar sua mensagem. Tente novamente em instantes."
	msgClientsOnly      = "Esta opção é exclusiva para clientes."
	msgUnsupportedMedia = "Desculpe, ainda não consigo processar este tipo de mensagem. Envie um texto, por favor."
	msgWelcome          = "Olá! Como podemos ajudar?"
	msgEmployeeMenu     = "Comandos disponíveis:\n• atender: chamar o próximo cliente da fila\n• fila: ver quantos clientes aguardam\n• faq: consultar as dúvidas frequentes"
	msgBackHint         = "Digite *voltar* para retornar ao menu."
	msgFaqMenu          = "Escolha uma categoria de dúvidas:"
	msgFaqEmpty         = "Ainda não há dúvidas frequentes cadastradas."
	msgFaqUnknown       = "Categoria não encontrada. Escolha uma das opções abaixo."
	msgFaqNext          = "Envie qualquer mensagem para voltar às categorias."
	msgDeptMenu         = "Com qual departamento você deseja falar?"
	msgDeptEmpty        = "Nenhum departamento disponível no momento."
	msgDeptUnknown      = "Departamento não encontrado. Escolha uma das opções abaixo."
	msgLeftQueue        = "Você saiu da fila de atendimento."
	msgQueueEmpty       = "Não há clientes aguardando no momento."
	msgNoDepartment     = "Você não está associado a nenhum departamento."
	msgAIWelcome        = "Você está falando com nosso assistente virtual. Digite *finalizar* para encerrar."
	msgAIGoodbye        = "Atendimento com o assistente encerrado."
	msgAITimedOut       = "A conversa com o assistente foi encerrada por inatividade. Envie uma mensagem para voltar ao menu."
	msgClosedCustomer   = "Seu atendimento foi encerrado. Obrigado pelo contato!"
	msgClosedEmployee   = "Atendimento encerrado."
	msgForwardFailed    = "Não foi possível entregar sua mensagem. O atendimento foi encerrado."
	msgDocumentReceived = "Documento recebido. Já estou analisando."
	msgDocumentTooLarge = "O documento é grande demais para ser analisado."
)

const (
	btnFaq         = "FAQ"
	btnDepartments = "Departamentos"
	btnAssistant   = "Assistente"
	listButton     = "Ver opções"
)

func msgQueued(department string, position int) string {
	if position <= 0 {
		return fmt.Sprintf("Você entrou na fila de *%s*. Em breve um atendente falará com você.", department)
	}
	return fmt.Sprintf("Você entrou na fila de *%s*. Sua posição: %d.", department, position)
}

func msgAlreadyQueued(department string) string {
	return fmt.Sprintf("Você já está na fila de *%s*.", department)
}

func msgQueueLength(department string, n int) string {
	switch n {
	case 0:
		return fmt.Sprintf("A fila de *%s* está vazia.", department)
	case 1:
		return fmt.Sprintf("1 cliente aguardando em *%s*.", department)
	}
	return fmt.Sprintf("%d clientes aguardando em *%s*.", n, department)
}

func msgConnectedCustomer(employee, department string) string {
	return fmt.Sprintf("Você está sendo atendido por *%s* (%s).", employee, department)
}

func msgConnectedEmployee(customer string) string {
	return fmt.Sprintf("Você está atendendo *%s*. Use !finalizar para encerrar ou !naoresolvido se o problema não foi resolvido.", customer)
}

func msgRelay(from, text string) string {
	return "*" + from + "*: " + text
}

func msgDocumentNote(filename, ref string) string {
	return fmt.Sprintf("[documento enviado: %s, referência %s]", filename, ref)
}

func renderFaq(category string, entries []faqLine) string {
	var b strings.Builder
	b.WriteString("*" + category + "*")
	for _, e := range entries {
		b.WriteString("\n\n*" + e.question + "*\n" + e.answer)
	}
	return b.String()
}

type faqLine struct {
	question string
	answer   string
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
