package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pable/hs-deck-predict/internal/model"
)

// parseCardList reads a comma separated list of card ids. "id*n" stands
// for n copies of id.
func parseCardList(s string) ([]model.CardID, error) {
	var out []model.CardID
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		copies := 1
		if id, n, ok := strings.Cut(field, "*"); ok {
			c, err := strconv.Atoi(n)
			if err != nil || c < 1 {
				return nil, fmt.Errorf("%w: bad copy count in %q", model.ErrInvalidInput, field)
			}
			field, copies = id, c
		}
		id, err := strconv.ParseInt(field, 10, 32)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: bad card id %q", model.ErrInvalidInput, field)
		}
		for i := 0; i < copies; i++ {
			out = append(out, model.CardID(id))
		}
	}
	return out, nil
}

func parseCards(s string) (model.CardMap, error) {
	ids, err := parseCardList(s)
	if err != nil {
		return nil, err
	}
	return model.CardMapFromList(ids), nil
}

func parsePlays(s string) (model.PlaySequence, error) {
	ids, err := parseCardList(s)
	if err != nil {
		return nil, err
	}
	return model.PlaySequence(ids), nil
}

func parseScope(format, class string) (model.FormatType, model.CardClass, error) {
	f, err := model.ParseFormat(format)
	if err != nil {
		return 0, 0, err
	}
	c, err := model.ParseClass(class)
	if err != nil {
		return 0, 0, err
	}
	if !c.Playable() {
		return 0, 0, fmt.Errorf("%w: class %s is not playable", model.ErrInvalidInput, c)
	}
	return f, c, nil
}
