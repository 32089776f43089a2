package capture

import (
	"encoding/json"
	"fmt"

	"github.com/odvcencio/chartshot/pkg/config"
)

// overlayScript clicks every element matching selectors, ignoring failures.
func overlayScript(selectors []string) string {
	return fmt.Sprintf(`(() => {
  let clicked = 0;
  for (const sel of %s) {
    document.querySelectorAll(sel).forEach((el) => {
      try { el.click(); clicked++; } catch (e) {}
    });
  }
  return clicked;
})()`, mustJSON(selectors))
}

// confirmScript clicks buttons whose text contains any of labels.
func confirmScript(labels []string) string {
	return fmt.Sprintf(`(() => {
  const labels = %s;
  let clicked = 0;
  document.querySelectorAll('button').forEach((btn) => {
    const text = btn.textContent || '';
    if (labels.some((l) => text.includes(l))) {
      try { btn.click(); clicked++; } catch (e) {}
    }
  });
  return clicked;
})()`, mustJSON(labels))
}

type studyPayload struct {
	ID       string         `json:"id"`
	PlotName string         `json:"plotName"`
	Inputs   map[string]any `json:"inputs"`
	Styles   map[string]any `json:"styles"`
}

// studyOutcome is what studyScript resolves to.
type studyOutcome struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Results []struct {
		ID    string `json:"id"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// studyScript inserts each study through the widget's study inserter, one
// at a time, and reports a result per study.
func studyScript(studies []config.Study) string {
	payload := make([]studyPayload, len(studies))
	for i, s := range studies {
		payload[i] = studyPayload{ID: s.ID, PlotName: s.PlotName, Inputs: s.Inputs, Styles: s.Styles}
	}
	return fmt.Sprintf(`(async (studies) => {
  const cw = window.chartWidget;
  if (!cw) return { ok: false, error: 'no chartWidget' };
  const results = [];
  for (const study of studies) {
    try {
      const inserter = cw.model().createStudyInserter({ type: 'java', studyId: study.id }, [], {});
      inserter.setPropertiesState({ styles: { [study.plotName]: study.styles } });
      await inserter.insert(() => Promise.resolve({ inputs: study.inputs, parentSources: [] }));
      results.push({ id: study.id, ok: true });
    } catch (e) {
      results.push({ id: study.id, ok: false, error: String(e) });
    }
  }
  return { ok: true, results };
})(%s)`, mustJSON(payload))
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
