package language

func catalog() []Language {
	return []Language{
		{Code: "en", Name: "English", NativeName: "English", Backends: backends(live("en-US", QualityExcellent), local("en", QualityExcellent))},
		{Code: "es", Name: "Spanish", NativeName: "Español", Backends: backends(live("es-ES", QualityExcellent), local("es", QualityExcellent))},
		{Code: "fr", Name: "French", NativeName: "Français", Backends: backends(live("fr-FR", QualityExcellent), local("fr", QualityExcellent))},
		{Code: "de", Name: "German", NativeName: "Deutsch", Backends: backends(live("de-DE", QualityExcellent), local("de", QualityExcellent))},
		{Code: "it", Name: "Italian", NativeName: "Italiano", Backends: backends(live("it-IT", QualityGood), local("it", QualityExcellent))},
		{Code: "pt", Name: "Portuguese", NativeName: "Português", Backends: backends(live("pt-BR", QualityGood), local("pt", QualityExcellent))},
		{Code: "nl", Name: "Dutch", NativeName: "Nederlands", Backends: backends(live("nl-NL", QualityGood), local("nl", QualityGood))},
		{Code: "ru", Name: "Russian", NativeName: "Русский", Backends: backends(live("ru-RU", QualityGood), local("ru", QualityExcellent))},
		{Code: "pl", Name: "Polish", NativeName: "Polski", Backends: backends(live("pl-PL", QualityGood), local("pl", QualityGood))},
		{Code: "uk", Name: "Ukrainian", NativeName: "Українська", Backends: backends(live("uk-UA", QualityBasic), local("uk", QualityGood))},
		{Code: "cs", Name: "Czech", NativeName: "Čeština", Backends: backends(live("cs-CZ", QualityBasic), local("cs", QualityGood))},
		{Code: "sv", Name: "Swedish", NativeName: "Svenska", Backends: backends(live("sv-SE", QualityGood), local("sv", QualityGood))},
		{Code: "da", Name: "Danish", NativeName: "Dansk", Backends: backends(live("da-DK", QualityBasic), local("da", QualityGood))},
		{Code: "no", Name: "Norwegian", NativeName: "Norsk", Backends: backends(live("nb-NO", QualityBasic), local("no", QualityGood))},
		{Code: "fi", Name: "Finnish", NativeName: "Suomi", Backends: backends(live("fi-FI", QualityBasic), local("fi", QualityGood))},
		{Code: "tr", Name: "Turkish", NativeName: "Türkçe", Backends: backends(live("tr-TR", QualityGood), local("tr", QualityGood))},
		{Code: "el", Name: "Greek", NativeName: "Ελληνικά", Backends: backends(live("el-GR", QualityBasic), local("el", QualityGood))},
		{Code: "he", Name: "Hebrew", NativeName: "עברית", Backends: backends(live("he-IL", QualityBasic), local("he", QualityGood))},
		{Code: "ar", Name: "Arabic", NativeName: "العربية", Backends: backends(live("ar-SA", QualityGood), local("ar", QualityGood))},
		{Code: "fa", Name: "Persian", NativeName: "فارسی", Backends: backends(local("fa", QualityBasic))},
		{Code: "hi", Name: "Hindi", NativeName: "हिन्दी", Backends: backends(live("hi-IN", QualityGood), local("hi", QualityGood))},
		{Code: "bn", Name: "Bengali", NativeName: "বাংলা", Backends: backends(live("bn-IN", QualityBasic), local("bn", QualityBasic))},
		{Code: "ta", Name: "Tamil", NativeName: "தமிழ்", Backends: backends(live("ta-IN", QualityBasic), local("ta", QualityBasic))},
		{Code: "ur", Name: "Urdu", NativeName: "اردو", Backends: backends(live("ur-PK", QualityBasic), local("ur", QualityBasic))},
		{Code: "zh", Name: "Chinese", NativeName: "中文", Backends: backends(live("zh-CN", QualityExcellent), local("zh", QualityExcellent))},
		{Code: "ja", Name: "Japanese", NativeName: "日本語", Backends: backends(live("ja-JP", QualityExcellent), local("ja", QualityExcellent))},
		{Code: "ko", Name: "Korean", NativeName: "한국어", Backends: backends(live("ko-KR", QualityGood), local("ko", QualityExcellent))},
		{Code: "vi", Name: "Vietnamese", NativeName: "Tiếng Việt", Backends: backends(live("vi-VN", QualityGood), local("vi", QualityGood))},
		{Code: "th", Name: "Thai", NativeName: "ไทย", Backends: backends(live("th-TH", QualityGood), local("th", QualityGood))},
		{Code: "id", Name: "Indonesian", NativeName: "Bahasa Indonesia", Backends: backends(live("id-ID", QualityGood), local("id", QualityGood))},
		{Code: "ms", Name: "Malay", NativeName: "Bahasa Melayu", Backends: backends(live("ms-MY", QualityBasic), local("ms", QualityGood))},
		{Code: "tl", Name: "Tagalog", NativeName: "Tagalog", Backends: backends(live("fil-PH", QualityBasic), local("tl", QualityBasic))},
		{Code: "ro", Name: "Romanian", NativeName: "Română", Backends: backends(live("ro-RO", QualityBasic), local("ro", QualityGood))},
		{Code: "hu", Name: "Hungarian", NativeName: "Magyar", Backends: backends(live("hu-HU", QualityBasic), local("hu", QualityGood))},
		{Code: "bg", Name: "Bulgarian", NativeName: "Български", Backends: backends(live("bg-BG", QualityBasic), local("bg", QualityGood))},
		{Code: "ca", Name: "Catalan", NativeName: "Català", Backends: backends(live("ca-ES", QualityBasic), local("ca", QualityGood))},
		{Code: "hr", Name: "Croatian", NativeName: "Hrvatski", Backends: backends(live("hr-HR", QualityBasic), local("hr", QualityBasic))},
		{Code: "sk", Name: "Slovak", NativeName: "Slovenčina", Backends: backends(live("sk-SK", QualityBasic), local("sk", QualityBasic))},
		{Code: "sl", Name: "Slovenian", NativeName: "Slovenščina", Backends: backends(local("sl", QualityBasic))},
		{Code: "lt", Name: "Lithuanian", NativeName: "Lietuvių", Backends: backends(live("lt-LT", QualityBasic), local("lt", QualityBasic))},
		{Code: "lv", Name: "Latvian", NativeName: "Latviešu", Backends: backends(local("lv", QualityBasic))},
		{Code: "et", Name: "Estonian", NativeName: "Eesti", Backends: backends(local("et", QualityBasic))},
		{Code: "sw", Name: "Swahili", NativeName: "Kiswahili", Backends: backends(live("sw-KE", QualityBasic), local("sw", QualityBasic))},
		{Code: "af", Name: "Afrikaans", NativeName: "Afrikaans", Backends: backends(live("af-ZA", QualityBasic), local("af", QualityBasic))},
		{Code: "cy", Name: "Welsh", NativeName: "Cymraeg", Backends: backends(local("cy", QualityBasic))},
		{Code: "is", Name: "Icelandic", NativeName: "Íslenska", Backends: backends(local("is", QualityBasic))},
		{Code: "mi", Name: "Maori", NativeName: "Māori", Backends: backends(local("mi", QualityBasic))},
		{Code: "la", Name: "Latin", NativeName: "Latina", Backends: backends(local("la", QualityBasic))},
	}
}

type backendSupport struct {
	backend string
	support Support
}

func live(code string, q Quality) backendSupport {
	return backendSupport{backend: BackendLive, support: Support{NativeCode: code, Quality: q}}
}

func local(code string, q Quality) backendSupport {
	return backendSupport{backend: BackendLocal, support: Support{NativeCode: code, Quality: q}}
}

func backends(entries ...backendSupport) map[string]Support {
	m := make(map[string]Support, len(entries))
	for _, e := range entries {
		m[e.backend] = e.support
	}
	return m
}
