package llm

import "context"

type nopModel struct{}

func (*nopModel) Generate(context.Context, []int, SamplingConfig, Streamer) ([]int, error) {
	return nil, nil
}
func (*nopModel) To(string) error                  { return nil }
func (*nopModel) Eval()                            {}
func (*nopModel) Train()                           {}
func (m *nopModel) MergeAndUnload() (Model, error) { return m, nil }
func (*nopModel) ToDType(DType) error              { return nil }
func (*nopModel) Save(string, Format) error        { return nil }
func (*nopModel) SetUseCache(bool)                 {}
func (*nopModel) NumParams() int                   { return 0 }
