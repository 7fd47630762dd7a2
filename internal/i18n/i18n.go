// Package i18n holds the localized alert catalog shown to users.
//
// Spanish is the default language; English is available for clients that send
// an Accept-Language header preferring it.
package i18n

import (
	"log/slog"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Key identifies a catalog message.
type Key string

const (
	KeyPermissionDenied  Key = "permission_denied"
	KeyCaptureFailed     Key = "capture_failed"
	KeyAnalysisFailed    Key = "analysis_failed"
	KeyFrontRequired     Key = "front_required"
	KeySideFailed        Key = "side_failed"
	KeyCombinedFailed    Key = "combined_failed"
	KeySyncFailed        Key = "sync_failed"
	KeySynthesisFailed   Key = "synthesis_failed"
	KeyRoutineFailed     Key = "routine_failed"
	KeyRoutineEmpty      Key = "routine_empty"
	KeyAlreadyProcessing Key = "already_processing"
	KeyInvalidStep       Key = "invalid_step"
	KeyLoginFailed       Key = "login_failed"
	KeyRegisterFailed    Key = "register_failed"
	KeyMissingFields     Key = "missing_fields"
	KeyNotAuthenticated  Key = "not_authenticated"
	KeyProfileFailed     Key = "profile_failed"
	KeyRoutineReadySMS   Key = "routine_ready_sms"
)

// Supported lists the catalog languages; the first entry is the default.
var Supported = []language.Tag{language.Spanish, language.English}

var matcher = language.NewMatcher(Supported)

var catalog = map[language.Tag]map[Key]string{
	language.Spanish: {
		KeyPermissionDenied:  "Se necesita permiso para acceder a la cámara o la galería.",
		KeyCaptureFailed:     "No se pudo obtener la imagen. Inténtalo de nuevo.",
		KeyAnalysisFailed:    "No se pudo analizar la imagen frontal. Inténtalo de nuevo.",
		KeyFrontRequired:     "Primero envía la foto frontal.",
		KeySideFailed:        "No se pudo analizar la imagen lateral. Inténtalo de nuevo.",
		KeyCombinedFailed:    "Hubo un error al analizar las imágenes.",
		KeySyncFailed:        "No se pudo guardar tu sensibilidad. Lo intentaremos más tarde.",
		KeySynthesisFailed:   "No se pudo generar tu rutina.",
		KeyRoutineFailed:     "No se pudo guardar tu rutina.",
		KeyRoutineEmpty:      "Aún no tienes una rutina. Puedes volver a analizar tu piel.",
		KeyAlreadyProcessing: "Ya estamos procesando tu solicitud.",
		KeyInvalidStep:       "Este paso no está disponible todavía.",
		KeyLoginFailed:       "Correo o contraseña incorrectos.",
		KeyRegisterFailed:    "No se pudo crear la cuenta.",
		KeyMissingFields:     "Por favor completa todos los campos.",
		KeyNotAuthenticated:  "Inicia sesión para continuar.",
		KeyProfileFailed:     "No se pudo cargar tu perfil.",
		KeyRoutineReadySMS:   "Dermis: tu rutina %s está lista.",
	},
	language.English: {
		KeyPermissionDenied:  "Permission is required to access the camera or gallery.",
		KeyCaptureFailed:     "Could not get the image. Please try again.",
		KeyAnalysisFailed:    "Could not analyze the front image. Please try again.",
		KeyFrontRequired:     "Submit the front photo first.",
		KeySideFailed:        "Could not analyze the side image. Please try again.",
		KeyCombinedFailed:    "There was an error analyzing the images.",
		KeySyncFailed:        "Could not save your sensitivity. We will retry later.",
		KeySynthesisFailed:   "Could not generate your routine.",
		KeyRoutineFailed:     "Could not save your routine.",
		KeyRoutineEmpty:      "You do not have a routine yet. You can analyze your skin again.",
		KeyAlreadyProcessing: "Your request is already being processed.",
		KeyInvalidStep:       "This step is not available yet.",
		KeyLoginFailed:       "Wrong email or password.",
		KeyRegisterFailed:    "Could not create the account.",
		KeyMissingFields:     "Please fill in all fields.",
		KeyNotAuthenticated:  "Log in to continue.",
		KeyProfileFailed:     "Could not load your profile.",
		KeyRoutineReadySMS:   "Dermis: your routine %s is ready.",
	},
}

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		for tag, msgs := range catalog {
			for k, v := range msgs {
				if err := message.SetString(tag, string(k), v); err != nil {
					slog.Error("i18n.register: failed to register message", "lang", tag.String(), "key", k, "error", err)
				}
			}
		}
	})
}

// Localizer renders catalog messages in one language.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns a Localizer for tag, falling back to Spanish for unsupported tags.
func New(tag language.Tag) *Localizer {
	register()
	_, idx, _ := matcher.Match(tag)
	t := Supported[idx]
	return &Localizer{tag: t, printer: message.NewPrinter(t)}
}

// Default returns the Spanish localizer.
func Default() *Localizer {
	return New(language.Spanish)
}

// FromAcceptLanguage picks a localizer from an Accept-Language header value.
func FromAcceptLanguage(header string) *Localizer {
	if header == "" {
		return Default()
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return Default()
	}
	register()
	_, idx, _ := matcher.Match(tags...)
	return New(Supported[idx])
}

// Tag returns the language in use.
func (l *Localizer) Tag() language.Tag {
	return l.tag
}

// T renders key, formatting args into it when the message has verbs.
func (l *Localizer) T(key Key, args ...interface{}) string {
	if l == nil {
		return Default().T(key, args...)
	}
	return l.printer.Sprintf(string(key), args...)
}
