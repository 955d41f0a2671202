package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"pepobot/internal/command"
	"pepobot/internal/transport"
	"pepobot/internal/wait"
)

// searchResult is one hit from the downloader API's search endpoint.
type searchResult struct {
	Title   string `json:"title"`
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

type searchResponse struct {
	Status int            `json:"status"`
	Result []searchResult `json:"result"`
}

type downloadResponse struct {
	Result struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"result"`
}

// play is the two-step flow: search, list the hits, wait for a pick, then
// fetch and send the audio.
func (s *source) play(ctx context.Context, inv *command.Invocation) error {
	if inv.ArgText == "" {
		_, err := inv.Sender.SendText(ctx, inv.Chat, fmt.Sprintf("Usage: *%splay <song name>*", inv.Prefix), nil)
		return err
	}

	raw, err := inv.FetchRemote(ctx, s.apiBase+"/downloaders/yt/search?q="+url.QueryEscape(inv.ArgText))
	if err != nil {
		return fmt.Errorf("search %q: %w", inv.ArgText, err)
	}
	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("search %q: decode: %w", inv.ArgText, err)
	}
	if len(resp.Result) == 0 {
		_, err := inv.Sender.SendText(ctx, inv.Chat, "🔍 No results, try another search.", nil)
		return err
	}
	hits := resp.Result
	if len(hits) > 5 {
		hits = hits[:5]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎵 Results for *%s*:\n\n", inv.ArgText)
	for i, h := range hits {
		fmt.Fprintf(&b, "*%d.* %s — %s\n", i+1, h.Title, h.Channel)
	}
	fmt.Fprintf(&b, "\nReply with a number, or send *%s* to cancel.", wait.CancelToken)

	ref, err := inv.Sender.SendText(ctx, inv.Chat, b.String(), nil)
	if err != nil {
		return err
	}

	inv.ArmWait("play", s.playPick, wait.Options{
		Payload:  map[string]any{"hits": hits},
		OriginID: ref.ID,
	})
	return nil
}

// playPick consumes the user's selection. Bad input re-arms the wait instead
// of failing the flow.
func (s *source) playPick(ctx context.Context, ev transport.Event, input string, st *wait.State) error {
	inv, ok := st.Extras.(*command.Invocation)
	if !ok {
		return fmt.Errorf("play: missing capability bundle")
	}
	hits, _ := st.Payload["hits"].([]searchResult)
	if len(hits) == 0 {
		return fmt.Errorf("play: lost search results")
	}

	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || n < 1 || n > len(hits) {
		text := fmt.Sprintf("Pick a number between 1 and %d, or send *%s* to cancel.", len(hits), wait.CancelToken)
		if _, err := inv.Sender.SendText(ctx, ev.Chat, text, nil); err != nil {
			return err
		}
		inv.ArmWait("play", s.playPick, wait.Options{
			Payload:  st.Payload,
			OriginID: st.OriginID,
		})
		return nil
	}

	pick := hits[n-1]
	if _, err := inv.Sender.SendText(ctx, ev.Chat, fmt.Sprintf("⬇️ Grabbing *%s*, hold on...", pick.Title), nil); err != nil {
		return err
	}

	raw, err := inv.FetchRemote(ctx, s.apiBase+"/downloaders/yt/mp3?url="+url.QueryEscape(pick.URL))
	if err != nil {
		return fmt.Errorf("play: resolve download for %q: %w", pick.Title, err)
	}
	var dl downloadResponse
	if err := json.Unmarshal(raw, &dl); err != nil {
		return fmt.Errorf("play: decode download response: %w", err)
	}
	if dl.Result.URL == "" {
		return fmt.Errorf("play: no download link for %q", pick.Title)
	}

	audio, err := inv.FetchRemote(ctx, dl.Result.URL)
	if err != nil {
		return fmt.Errorf("play: fetch audio for %q: %w", pick.Title, err)
	}

	return inv.Sender.SendMedia(ctx, ev.Chat, transport.Media{
		Data:     audio,
		MimeType: "audio/mpeg",
		FileName: pick.Title + ".mp3",
		Kind:     "audio",
	})
}
