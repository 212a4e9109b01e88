package instagram

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// DispatchResult is the uniform outcome of one outbound call. Transport
// failures and API-level rejections both land here; callers never need to
// distinguish them.
type DispatchResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
}

type sendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type replyResponse struct {
	ID string `json:"id"`
}

// Client talks to the Instagram Graph API. One outbound POST per
// operation, no internal retries, bounded by a 10 second timeout.
type Client struct {
	http       *resty.Client
	apiVersion string
}

// NewClient creates a Graph API client pinned to one API version.
func NewClient(baseURL, apiVersion string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	log.Info().Str("baseURL", baseURL).Str("apiVersion", apiVersion).Msg("Instagram Graph API client configured")

	return &Client{
		http:       httpClient,
		apiVersion: apiVersion,
	}
}

// SendMessage issues one call to the platform's message-send endpoint for
// the given account. Any non-success response is returned as a structured
// failure carrying the remote error body.
func (c *Client) SendMessage(ctx context.Context, instagramID, accessToken, recipientID, text string) DispatchResult {
	body := map[string]interface{}{
		"recipient":    map[string]string{"id": recipientID},
		"message":      map[string]string{"text": text},
		"access_token": accessToken,
	}

	var out sendMessageResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/" + c.apiVersion + "/" + instagramID + "/messages")

	if err != nil {
		log.Error().Err(err).Str("instagramID", instagramID).Str("recipientID", recipientID).Msg("Graph API: message send request failed")
		return DispatchResult{Success: false, Error: err.Error()}
	}
	if resp.IsError() {
		log.Error().
			Int("statusCode", resp.StatusCode()).
			Str("responseBody", resp.String()).
			Str("instagramID", instagramID).
			Str("recipientID", recipientID).
			Msg("Graph API: message send returned an error")
		return DispatchResult{Success: false, Error: resp.String()}
	}

	log.Info().Str("messageID", out.MessageID).Str("recipientID", recipientID).Msg("Direct message sent")
	return DispatchResult{Success: true, ID: out.MessageID}
}

// ReplyToComment issues one call to the platform's comment-reply endpoint.
func (c *Client) ReplyToComment(ctx context.Context, commentID, accessToken, text string) DispatchResult {
	body := map[string]interface{}{
		"message":      text,
		"access_token": accessToken,
	}

	var out replyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/" + c.apiVersion + "/" + commentID + "/replies")

	if err != nil {
		log.Error().Err(err).Str("commentID", commentID).Msg("Graph API: comment reply request failed")
		return DispatchResult{Success: false, Error: err.Error()}
	}
	if resp.IsError() {
		log.Error().
			Int("statusCode", resp.StatusCode()).
			Str("responseBody", resp.String()).
			Str("commentID", commentID).
			Msg("Graph API: comment reply returned an error")
		return DispatchResult{Success: false, Error: resp.String()}
	}

	log.Info().Str("replyID", out.ID).Str("commentID", commentID).Msg("Comment reply sent")
	return DispatchResult{Success: true, ID: out.ID}
}
