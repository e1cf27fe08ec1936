package usecase

import (
	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

// Patterns shared by both personas: diagnosis assertions aimed at the
// reader, cure guarantees and advice to stop or change treatment alone.
var sharedDisallowed = []string{
	`voc[eê] (tem|est[aá] com|possui) hansen[ií]ase`,
	`seu diagn[oó]stico [eé]`,
	`(cura|resultado) garantid[oa]`,
	`garanto que`,
	`(pode|deve) (parar|interromper|suspender) (o tratamento|a medica[cç][aã]o|os rem[eé]dios)`,
	`n[aã]o (precisa|[eé] necess[aá]rio) (procurar|consultar) (um )?(m[eé]dico|servi[cç]o de sa[uú]de|profissional)`,
	`(aumente|dobre|reduza) (a|sua) dose`,
}

var technicalProfile = domain.PersonaProfile{
	ID: domain.PersonaTechnical,
	Instructions: "Você é um assistente técnico para profissionais de saúde que atuam no tratamento da hanseníase. " +
		"Responda em português, em linguagem técnica e objetiva, baseando-se exclusivamente nos trechos fornecidos. " +
		"Cite cada afirmação com o marcador do trecho correspondente, por exemplo [C1].",
	MaxWords:         220,
	RequireCitations: true,
	Disallowed:       sharedDisallowed,
	OutOfScopeMessage: "Esta consulta está fora do escopo deste assistente, que cobre apenas o tratamento e a dispensação " +
		"de medicamentos para hanseníase. Para outros temas, consulte as diretrizes clínicas pertinentes.",
	DeclineMessage: "Não foi possível elaborar uma resposta fundamentada nos documentos de referência disponíveis. " +
		"Consulte o protocolo clínico vigente do Ministério da Saúde para hanseníase.",
	FallbackPreamble:  "Serviço de geração indisponível no momento. Trechos relevantes dos documentos de referência:",
	LowConfidenceNote: "Atenção: os documentos recuperados têm baixa correspondência com a pergunta; verifique o protocolo antes de aplicar.",
}

var empatheticProfile = domain.PersonaProfile{
	ID: domain.PersonaEmpathetic,
	Instructions: "Você é um assistente acolhedor que ajuda pacientes com hanseníase e seus cuidadores a entender o tratamento. " +
		"Responda em português simples, com frases curtas e tom tranquilizador, usando apenas as informações dos trechos fornecidos. " +
		"Nunca faça diagnósticos e sempre incentive o acompanhamento com a equipe de saúde.",
	MaxWords:         160,
	RequireCitations: false,
	Disallowed:       sharedDisallowed,
	OutOfScopeMessage: "Desculpe, eu só consigo ajudar com dúvidas sobre o tratamento da hanseníase e o uso dos remédios. " +
		"Para outros assuntos, procure a sua unidade de saúde.",
	DeclineMessage: "Desculpe, não consegui encontrar uma resposta segura para a sua dúvida agora. " +
		"Converse com a equipe da sua unidade de saúde, ela pode ajudar você com calma.",
	FallbackPreamble:  "No momento não consigo escrever uma resposta completa, mas estas informações dos materiais de referência podem ajudar:",
	LowConfidenceNote: "Não encontrei uma informação exata sobre isso, então confirme com a sua equipe de saúde.",
}

// Personas maps each persona variant to its strategy object.
type Personas map[domain.PersonaID]domain.PersonaProfile

func DefaultPersonas() Personas {
	return Personas{
		domain.PersonaTechnical:  technicalProfile,
		domain.PersonaEmpathetic: empatheticProfile,
	}
}

func (p Personas) Profile(id domain.PersonaID) (domain.PersonaProfile, bool) {
	profile, ok := p[id]
	return profile, ok
}
