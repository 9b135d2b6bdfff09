package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/warper-ai/internal/api"
	"github.com/ashureev/warper-ai/internal/gateway"
	"github.com/ashureev/warper-ai/internal/identity"
)

var styleModifiers = map[string]string{
	"realistic":  "photorealistic, highly detailed, professional photography",
	"digital":    "digital art style, vibrant colors, detailed illustration",
	"oil":        "oil painting style, brush strokes visible, classical art",
	"watercolor": "watercolor painting style, soft edges, flowing colors",
	"3d":         "3D rendered, ray tracing, realistic lighting, CGI quality",
}

const qualityModifier = ", ultra high resolution, 4K quality, extremely detailed"

var toolPrompts = map[string]string{
	"enhance":   "Enhance this image: improve clarity, sharpness, color balance, and overall quality. Make it look professional.",
	"upscale":   "Upscale and enhance this image to higher quality. Improve details and sharpness.",
	"colorize":  "Colorize this black and white image with realistic and natural colors.",
	"restore":   "Restore this old or damaged photo. Fix scratches, tears, fading, and improve quality.",
	"remove-bg": "Remove the background from this image, making it transparent or white. Keep only the main subject.",
}

const defaultToolPrompt = "Enhance this image quality"

type generateImageRequest struct {
	Prompt  string `json:"prompt"`
	Style   string `json:"style"`
	Quality string `json:"quality"`
}

type photoEditRequest struct {
	ImageBase64 string `json:"imageBase64"`
	Tool        string `json:"tool"`
	Instruction string `json:"instruction"`
}

type imageResponse struct {
	ImageURL    string `json:"imageUrl"`
	Description string `json:"description"`
}

// buildImagePrompt applies the style and quality modifiers. Unknown styles
// leave the prompt untouched.
func buildImagePrompt(prompt, style, quality string) string {
	if mod, ok := styleModifiers[style]; ok {
		prompt += ", " + mod
	}
	if quality == "4k" || quality == "ultra" {
		prompt += qualityModifier
	}
	return prompt
}

func photoEditPrompt(tool, instruction string) string {
	if instruction != "" {
		return instruction
	}
	if p, ok := toolPrompts[tool]; ok {
		return p
	}
	return defaultToolPrompt
}

// HandleGenerateImage handles POST /api/generate-image.
func (h *Handler) HandleGenerateImage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.allow(r) {
		api.Error(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	data, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req generateImageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		api.Error(w, http.StatusBadRequest, "Prompt is required")
		return
	}

	prompt := buildImagePrompt(req.Prompt, req.Style, req.Quality)
	slog.Info("Generating image", "user_id", userID, "style", req.Style, "quality", req.Quality, "prompt_length", len(prompt))

	url, err := h.gw.GenerateImage(r.Context(), prompt, req.Quality == "ultra")
	if errors.Is(err, gateway.ErrEmptyResult) {
		slog.Error("No image in gateway response", "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "No image was generated. Please try a different prompt.")
		return
	}
	if err != nil {
		writeGatewayError(w, err, "Failed to generate image", "user_id", userID)
		return
	}

	api.JSON(w, http.StatusOK, imageResponse{
		ImageURL:    url,
		Description: "Image generated successfully",
	})
}

// HandlePhotoEdit handles POST /api/photo-edit.
func (h *Handler) HandlePhotoEdit(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.allow(r) {
		api.Error(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	data, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req photoEditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ImageBase64 == "" {
		api.Error(w, http.StatusBadRequest, "Image is required")
		return
	}

	prompt := photoEditPrompt(req.Tool, req.Instruction)
	slog.Info("Editing photo", "user_id", userID, "tool", req.Tool, "image_bytes", len(req.ImageBase64))

	res, err := h.gw.EditPhoto(r.Context(), prompt, req.ImageBase64)
	if errors.Is(err, gateway.ErrEmptyResult) {
		api.Error(w, http.StatusInternalServerError, "No edited image was returned")
		return
	}
	if err != nil {
		writeGatewayError(w, err, "Failed to process image", "user_id", userID)
		return
	}

	description := res.Description
	if description == "" {
		description = "Image processed"
	}
	api.JSON(w, http.StatusOK, imageResponse{ImageURL: res.ImageURL, Description: description})
}
