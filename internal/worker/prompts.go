package worker

import (
	"strings"

	"github.com/ODuo-Tech-Team/SharPro2.0/internal/models"
)

const defaultSystemPrompt = "Você é um assistente de atendimento e vendas. Seja cordial, objetivo e ajude o cliente a resolver o que precisa."

// promptInstructions are appended to every tenant prompt so the engine's
// post-processing blocks stay in a stable format.
const promptInstructions = `

Instruções operacionais:
- Quando precisar deixar uma observação apenas para a equipe interna, escreva-a entre [NOTA_INTERNA] e [/NOTA_INTERNA]. O cliente nunca vê esse bloco.
- Quando tiver informações suficientes para qualificar o cliente como lead, inclua ao final da resposta um bloco [QUALIFICACAO]{"score": 0-100, "estimated_value": valor}[/QUALIFICACAO].
- Se o cliente pedir para falar com uma pessoa, estiver irritado ou trouxer um problema que você não consegue resolver, use a ferramenta transfer_to_human_specialist.
- Quando souber nome e telefone do cliente, registre-o com a ferramenta register_lead.
- Responda sempre no idioma do cliente.`

func buildSystemPrompt(org *models.Organization) string {
	base := strings.TrimSpace(org.SystemPrompt)
	if base == "" {
		base = defaultSystemPrompt
	}
	return base + promptInstructions
}
