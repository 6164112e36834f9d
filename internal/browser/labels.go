package browser

import (
	"encoding/json"
	"strings"
)

// Language selects the label table used to recognize controls by text.
type Language string

const (
	LanguageAuto     Language = "auto"
	LanguageEnglish  Language = "en"
	LanguageJapanese Language = "ja"
)

// Label keys. The page scripts look patterns up by these names.
const (
	LabelCropAndSave  = "CROP_AND_SAVE"
	LabelIAgree       = "I_AGREE"
	LabelSaveFrame    = "SAVE_FRAME"
	LabelFrameToVideo = "FRAME_TO_VIDEO"
	LabelTextToVideo  = "TEXT_TO_VIDEO"
	LabelUpload       = "UPLOAD"
	LabelCancel       = "CANCEL"
	LabelClose        = "CLOSE"
	LabelNotice       = "NOTICE"
)

var labelTable = map[Language]map[string][]string{
	LanguageEnglish: {
		LabelCropAndSave:  {"Crop and Save", "Crop & Save", "Save"},
		LabelIAgree:       {"I agree", "Agree", "Accept"},
		LabelSaveFrame:    {"save", "frame"},
		LabelFrameToVideo: {"Frames to Video", "Frame to Video"},
		LabelTextToVideo:  {"Text to Video"},
		LabelUpload:       {"upload", "browse"},
		LabelCancel:       {"Cancel"},
		LabelClose:        {"Close"},
		LabelNotice:       {"Notice", "necessary rights", "Prohibited Use Policy"},
	},
	LanguageJapanese: {
		LabelCropAndSave:  {"クロップして保存", "クロップと保存", "保存"},
		LabelIAgree:       {"同意する", "同意", "承諾"},
		LabelSaveFrame:    {"保存", "フレーム"},
		LabelFrameToVideo: {"フレームから動画", "フレームを動画に"},
		LabelTextToVideo:  {"テキストから動画"},
		LabelUpload:       {"アップロード", "アップロードする"},
		LabelCancel:       {"キャンセル", "取消"},
		LabelClose:        {"閉じる", "閉"},
		LabelNotice:       {"通知", "注意事項", "利用規約"},
	},
}

// ParseLanguage maps a configured language name to a Language. Empty means auto.
func ParseLanguage(s string) (Language, bool) {
	switch Language(strings.ToLower(strings.TrimSpace(s))) {
	case "", LanguageAuto:
		return LanguageAuto, true
	case LanguageEnglish:
		return LanguageEnglish, true
	case LanguageJapanese:
		return LanguageJapanese, true
	}
	return "", false
}

// DetectLanguage picks the table for a document language tag such as "ja-JP".
func DetectLanguage(tag string) Language {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(tag)), "ja") {
		return LanguageJapanese
	}
	return LanguageEnglish
}

// Labels returns the patterns for key in lang followed by the English ones,
// which serve as the fallback for every other table.
func Labels(lang Language, key string) []string {
	if lang == LanguageAuto || lang == "" {
		lang = LanguageEnglish
	}
	out := append([]string(nil), labelTable[lang][key]...)
	if lang != LanguageEnglish {
		out = append(out, labelTable[LanguageEnglish][key]...)
	}
	return out
}

// labelsJSON is the table as injected into page scripts.
var labelsJSON = func() string {
	b, err := json.Marshal(labelTable)
	if err != nil {
		panic(err)
	}
	return string(b)
}()
