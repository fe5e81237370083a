package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	AssemblyAIKey string

	CerebrasKey     string
	CerebrasModelID string

	ElevenLabsKey     string
	ElevenLabsVoiceID string

	DeepgramKey   string
	DeepgramVoice string

	SupabaseURL        string
	SupabaseServiceKey string

	// JSON array of ICE server URLs handed to the browser during signaling.
	ICEServersJSON string
	// Optional auth password for the /rtc signaling websocket.
	RTCAuthPassword string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded; relying on process environment")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - live transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "llama-3.3-70b"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - the persona will not respond")
	}

	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - TTS will not work")
	}
	voiceID := os.Getenv("ELEVENLABS_VOICE_ID")
	if voiceID == "" {
		// Rachel, available on every ElevenLabs account.
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	deepgramVoice := os.Getenv("DEEPGRAM_VOICE")
	if deepgramVoice == "" {
		deepgramVoice = "aura-2-thalia-en"
	}

	supabaseURL := os.Getenv("SUPABASE_URL")
	supabaseKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	if supabaseURL == "" || supabaseKey == "" {
		log.Println("Warning: SUPABASE_URL / SUPABASE_SERVICE_ROLE_KEY not set - sessions and leaderboard are kept in memory only")
	}

	ice := os.Getenv("ICE_SERVERS_JSON")
	if ice == "" {
		ice = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:        addr,
		AssemblyAIKey:      assemblyAIKey,
		CerebrasKey:        cerebrasKey,
		CerebrasModelID:    cerebrasModel,
		ElevenLabsKey:      elevenKey,
		ElevenLabsVoiceID:  voiceID,
		DeepgramKey:        deepgramKey,
		DeepgramVoice:      deepgramVoice,
		SupabaseURL:        supabaseURL,
		SupabaseServiceKey: supabaseKey,
		ICEServersJSON:     ice,
		RTCAuthPassword:    os.Getenv("RTC_AUTH_PASSWORD"),
	}
}
