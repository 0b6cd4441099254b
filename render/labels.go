// Package render presents sessions and results as terminal text and HTML.
package render

import (
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"node.town/tarjama/transcript"
)

var english = []*i18n.Message{
	{ID: "title", Other: "Transcription"},
	{ID: "summary", Other: "Summary"},
	{ID: "segments", Other: "Transcript"},
	{ID: "translation", Other: "Translation"},
	{ID: "live", Other: "Live transcript"},
	{ID: "no_segments", Other: "No speech was found in this audio."},
	{ID: "retry", Other: "Try again"},
	{ID: "use_local", Other: "Use the local model"},
	{ID: "reset", Other: "Start over"},
	{ID: "record", Other: "Record"},
	{ID: "stop", Other: "Stop"},
	{ID: "upload", Other: "Upload audio"},
	{ID: "transcribe", Other: "Transcribe"},
	{ID: "elapsed", Other: "Recording {{.Elapsed}}"},
	{ID: "loading_model", Other: "Loading local model {{.Percent}}%"},
	{ID: "history", Other: "History"},

	{ID: "state.idle", Other: "Ready"},
	{ID: "state.recording", Other: "Recording"},
	{ID: "state.loading_model", Other: "Loading model"},
	{ID: "state.processing", Other: "Transcribing"},
	{ID: "state.success", Other: "Done"},
	{ID: "state.error", Other: "Failed"},

	{ID: "emotion.Happy", Other: "Happy"},
	{ID: "emotion.Sad", Other: "Sad"},
	{ID: "emotion.Angry", Other: "Angry"},
	{ID: "emotion.Neutral", Other: "Neutral"},

	{ID: "error.permission_denied", Other: "Microphone access was denied."},
	{ID: "error.device_unavailable", Other: "No microphone is available."},
	{ID: "error.network_failure", Other: "The transcription service could not be reached."},
	{ID: "error.auth_failure", Other: "The API key was rejected."},
	{ID: "error.rate_limited", Other: "Too many requests. Wait a moment and try again."},
	{ID: "error.unsupported_format", Other: "This audio format is not supported."},
	{ID: "error.empty_result", Other: "The service returned no transcript."},
	{ID: "error.result_format", Other: "The service returned a transcript that could not be read."},
	{ID: "error.model_init_failure", Other: "The local model could not be loaded."},
	{ID: "error.unknown", Other: "Something went wrong."},
}

var arabic = []*i18n.Message{
	{ID: "title", Other: "التفريغ النصي"},
	{ID: "summary", Other: "الملخص"},
	{ID: "segments", Other: "النص"},
	{ID: "translation", Other: "الترجمة"},
	{ID: "live", Other: "النص المباشر"},
	{ID: "no_segments", Other: "لم يتم العثور على كلام في هذا الصوت."},
	{ID: "retry", Other: "حاول مرة أخرى"},
	{ID: "use_local", Other: "استخدم النموذج المحلي"},
	{ID: "reset", Other: "ابدأ من جديد"},
	{ID: "record", Other: "تسجيل"},
	{ID: "stop", Other: "إيقاف"},
	{ID: "upload", Other: "رفع ملف صوتي"},
	{ID: "transcribe", Other: "تفريغ"},
	{ID: "elapsed", Other: "جارٍ التسجيل {{.Elapsed}}"},
	{ID: "loading_model", Other: "جارٍ تحميل النموذج المحلي {{.Percent}}%"},
	{ID: "history", Other: "السجل"},

	{ID: "state.idle", Other: "جاهز"},
	{ID: "state.recording", Other: "جارٍ التسجيل"},
	{ID: "state.loading_model", Other: "جارٍ تحميل النموذج"},
	{ID: "state.processing", Other: "جارٍ التفريغ"},
	{ID: "state.success", Other: "تم"},
	{ID: "state.error", Other: "فشل"},

	{ID: "emotion.Happy", Other: "سعيد"},
	{ID: "emotion.Sad", Other: "حزين"},
	{ID: "emotion.Angry", Other: "غاضب"},
	{ID: "emotion.Neutral", Other: "محايد"},

	{ID: "error.permission_denied", Other: "تم رفض الوصول إلى الميكروفون."},
	{ID: "error.device_unavailable", Other: "لا يوجد ميكروفون متاح."},
	{ID: "error.network_failure", Other: "تعذر الوصول إلى خدمة التفريغ."},
	{ID: "error.auth_failure", Other: "تم رفض مفتاح الواجهة البرمجية."},
	{ID: "error.rate_limited", Other: "طلبات كثيرة جدًا. انتظر قليلًا ثم حاول مجددًا."},
	{ID: "error.unsupported_format", Other: "صيغة الصوت هذه غير مدعومة."},
	{ID: "error.empty_result", Other: "لم تُرجع الخدمة أي نص."},
	{ID: "error.result_format", Other: "أرجعت الخدمة نصًا تعذرت قراءته."},
	{ID: "error.model_init_failure", Other: "تعذر تحميل النموذج المحلي."},
	{ID: "error.unknown", Other: "حدث خطأ ما."},
}

var bundle = newBundle()

func newBundle() *i18n.Bundle {
	b := i18n.NewBundle(language.English)
	if err := b.AddMessages(language.English, english...); err != nil {
		panic(err)
	}
	if err := b.AddMessages(language.Arabic, arabic...); err != nil {
		panic(err)
	}
	return b
}

// Labels looks up interface text for one locale, falling back to English.
type Labels struct {
	loc *i18n.Localizer
	rtl bool
}

func NewLabels(locale string) *Labels {
	rtl := false
	if tag, err := language.Parse(locale); err == nil {
		base, _ := tag.Base()
		rtl = base.String() == "ar"
	}
	return &Labels{loc: i18n.NewLocalizer(bundle, locale, "en"), rtl: rtl}
}

func (l *Labels) Get(id string) string {
	return l.With(id, nil)
}

func (l *Labels) With(id string, data map[string]any) string {
	s, err := l.loc.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		return id
	}
	return s
}

// Dir is the text direction of the interface locale.
func (l *Labels) Dir() string {
	if l.rtl {
		return "rtl"
	}
	return "ltr"
}

func (l *Labels) Emotion(e transcript.Emotion) string {
	if e == "" {
		return ""
	}
	return l.Get("emotion." + string(e))
}

func (l *Labels) ErrorKind(kind string) string {
	return l.Get("error." + kind)
}
