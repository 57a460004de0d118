package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/bikegroups/calendar-sync/app/evidence"
	"github.com/bikegroups/calendar-sync/app/feed"
)

const systemPromptBase = `You review posts from an RSS feed built from the social accounts of cycling groups and community organizations, and keep a shared community calendar in sync with the events they announce.

A post may be:
- an announcement of a ride, meetup, race or other gathering with a date
- a change to an event announced earlier (new time, new place, postponement)
- a cancellation
- something that is not an event at all (photos, quotes, recaps, shop news)

Event details are often only in the attached images (posters and flyers). Images are not sent up front: call get_images to see them.

Workflow:
1. Read the post. If it is clearly not an event, submit_decision with outcome "ignore" right away.
2. Otherwise call get_images when the post has images.
3. Search the calendar (search_events_by_date, search_events_by_keyword) to find out whether the event is already there.
4. Call submit_decision.

Outcomes:
- create: a new upcoming event that is not on the calendar yet. Requires event_timing "upcoming" and the event fields.
- update: the event is already on the calendar and the post changes or adds details. Requires existing_event_id and the full event fields.
- cancel: the post cancels an event that is on the calendar. Requires existing_event_id.
- ignore: not an event, already on the calendar with nothing new, or not actionable. Never name an existing_event_id.

Rules:
- A repeat announcement of an event that is already on the calendar is an update when it adds details, otherwise ignore. Never create a duplicate.
- Past tense posts (recaps, thank-yous) are ignore.
- If the timing is ambiguous, or you cannot find a date, do not create. Use ignore and set needs_review when a human should look.
- A date without a start time is an all-day event: leave time empty.
- Relative dates ("this Saturday") are relative to the post's publication date.
- Set needs_review when the post announces several distinct events or something in the workflow looks broken (missing images, tool errors).
- If submit_decision returns a validation error, fix the problem and call it again.

Event descriptions should carry what the post states: distance, meet and roll-out times, start and finish, pace (e.g. no-drop, party pace), leaders, and at least one link (prefer the post link).`

const mutationRules = `
Calendar changes:
- You may apply the change yourself with create_event, update_event or cancel_event. At most one calendar change is allowed per post and a second one is refused.
- After a change, submit_decision must report the same outcome and the same event.`

const prefilterPrompt = `You are a binary classifier. Given a post from a cycling community social account, decide whether it could plausibly announce an event (ride, meetup, race, social gathering) or change, postpone or cancel one.

Answer with exactly one word: YES or NO.

- YES: the post could be about an upcoming event and needs a closer look. Also YES when the text is so short that the images would decide.
- NO: clearly not an event, or a past tense recap of something that already happened.

Print nothing other than YES or NO.`

func (a *Agent) systemPrompt(now time.Time) string {
	var b strings.Builder
	b.WriteString(systemPromptBase)
	if a.policy.AllowToolMutations {
		b.WriteString("\n")
		b.WriteString(mutationRules)
	}
	fmt.Fprintf(&b, "\n\nThe current date and time is %s. Event times are in %s unless the post says otherwise.",
		now.In(a.location()).Format("Monday, 2006-01-02 15:04 MST"), a.calendarPolicy.Timezone)
	if extra := strings.TrimSpace(a.policy.ExtraInstructions); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	b.WriteString("\n\nYou must call submit_decision before you finish.")
	return b.String()
}

func (a *Agent) postText(post feed.Post) string {
	published := "Unknown"
	if post.PublishedAt != nil {
		published = post.PublishedAt.In(a.location()).Format(time.RFC3339)
	}

	return fmt.Sprintf("Title: %s\nAuthor: %s\nLink: %s\nPublished: %s\n\nContent:\n%s",
		post.Title, fallback(post.Author, "Unknown"), post.Link, published, post.Content)
}

func (a *Agent) userMessage(post feed.Post, ev evidence.Evidence) string {
	var b strings.Builder
	b.WriteString("Analyze this RSS post.\n\n")
	b.WriteString(a.postText(post))

	images := ev.Images
	switch {
	case images.Degraded():
		fmt.Fprintf(&b, "\n\nThis post references %d image(s) but none of them could be loaded. Details that would be on a poster are unavailable; do not treat the post as having no images.", images.Declared)
	case len(images.Loaded) > 0:
		fmt.Fprintf(&b, "\n\nThis post has %d image(s). Call get_images to view them.", len(images.Loaded))
	default:
		b.WriteString("\n\nThis post has no images.")
	}

	if ev.LinkText != "" {
		fmt.Fprintf(&b, "\n\nText of the linked page:\n%s", ev.LinkText)
	}

	b.WriteString("\n\nRemember: you must call submit_decision with your final decision.")
	return b.String()
}

const reminderText = "You ended your turn without calling submit_decision. Call submit_decision now with your final decision."

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
