package flow

import "github.com/BTreeMap/FunnelPipe/internal/models"

// Reply templates. Every catalog value interpolated here comes from a catalog
// record; nothing else about a course is stated.
const (
	safeReply = "Gracias por tu mensaje. En un momento te respondo con más detalle."

	reintroductionTemplate = "Hola de nuevo, soy el asistente de %s. Tuve un inconveniente técnico y perdí el hilo de nuestra conversación, así que retomemos desde el inicio."

	welcomeTemplate = "¡Hola! 👋 Soy el asistente de %s y te ayudaré a encontrar el curso ideal para ti."
	consentTemplate = "Antes de continuar necesito tu autorización para tratar tus datos conforme a nuestro aviso de privacidad: %s\n¿Aceptas? Responde *sí* o *no*."

	consentRepromptText = "No logré entender tu respuesta. ¿Aceptas el aviso de privacidad? Responde *sí* o *no*."
	consentDeclinedText = "Entiendo. Sin tu autorización no puedo guardar tus datos ni darte seguimiento personalizado. Si cambias de opinión, responde *sí* y continuamos."

	consentThanksText   = "¡Gracias por tu confianza!"
	nameRequestText     = "¿Cómo te llamas?"
	nameRepromptText    = "Perdona, no alcancé a leer bien tu nombre. ¿Me lo escribes de nuevo? Por ejemplo: *Ana López*."
	roleRequestTemplate = "Mucho gusto, %s. ¿A qué te dedicas o cuál es tu puesto actual? Si prefieres no decirlo, escribe *omitir*."
	roleRequestText     = "¿A qué te dedicas o cuál es tu puesto actual? Si prefieres no decirlo, escribe *omitir*."
	roleRepromptText    = "¿Me cuentas brevemente tu puesto o área de trabajo? También puedes escribir *omitir*."

	courseListIntro       = "Estos son los cursos que tenemos para ti:"
	courseListOutro       = "Responde con el número o el nombre del curso que te interesa. Si aún no lo sabes, escribe *cualquiera*."
	courseCatalogDownText = "Cuéntame qué te gustaría aprender o en qué área quieres crecer y te recomiendo el curso ideal. Si aún no lo sabes, escribe *cualquiera*."
	courseRepromptText    = "No encontré ese curso en la lista."
	courseChosenTemplate  = "¡Excelente elección! *%s* es una gran opción. ¿Qué te gustaría saber del curso?"
	genericCourseText     = "¡Perfecto! Te acompaño para encontrar la opción que mejor te acomode. ¿Qué te gustaría lograr con un curso?"

	announcementFallbackTemplate = "¡Gracias por tu interés en %s! En un momento te comparto todos los detalles."
	announcementCloseText        = "¿Te gustaría que te comparta el temario completo?"

	bonusIntroText = "¡Qué gusto que quieras dar el siguiente paso! Por inscribirte hoy recibes estos bonos exclusivos:"
	bonusCloseText = "¿Te ayudo a apartar tu lugar?"

	handoffNoticeText = "Un asesor académico se pondrá en contacto contigo muy pronto."
)

// defaultSalesPrompt is the drafting system prompt used when none is configured.
const defaultSalesPrompt = `Eres el asistente de ventas por WhatsApp de una academia de cursos profesionales.
Respondes en español, con calidez y frases cortas, como una persona real del equipo.
Reglas estrictas:
- Solo menciona precios, sesiones, duración, certificación, herramientas, fechas u horarios y bonos que aparezcan en DATOS VERIFICADOS. Si un dato no aparece, di que lo confirmarás con el equipo académico.
- No inventes descuentos, promociones ni cifras.
- No repitas el saludo ni la frase inicial de tus mensajes anteriores.
- Máximo 5 oraciones. Cierra con una pregunta que avance la conversación.
- Si se enviarán materiales, menciónalos sin describir su contenido.`

// pendingPrompts repeat a pending question after an interruption.
var pendingPrompts = map[models.WaitTag]string{
	models.WaitConsent:      consentRepromptText,
	models.WaitName:         nameRequestText,
	models.WaitRole:         roleRequestText,
	models.WaitCourseChoice: courseListOutro,
}
